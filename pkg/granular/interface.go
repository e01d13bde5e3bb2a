/*
 * Copyright (c) 2024-present Statera AI, Ltd.
 */

package granular

import (
	"github.com/StateraAI/grist-core/pkg/actions"
	"github.com/StateraAI/grist-core/pkg/docdata"
	"github.com/StateraAI/grist-core/pkg/permissions"
	"github.com/StateraAI/grist-core/pkg/rules"
)

// Session is the host's handle for one connected client.
type Session interface {
	// ID is the stable identity the engine keys its per-session caches by.
	ID() string
	// Authorizer yields the session's base role and identity.
	Authorizer() Authorizer
	// LinkParameters returns the document link parameters, including the
	// impersonation keys aclAsUserId / aclAsUser.
	LinkParameters() map[string]string
	// Origin names the connection origin (browser, api, ...).
	Origin() string
}

// Authorizer resolves the base access of a session, before impersonation
// and user-attribute rules.
type Authorizer interface {
	Role() permissions.Role
	User() UserIdentity
}

// UserIdentity is the base identity of a session.
type UserIdentity struct {
	UserID int
	Email  string
	Name   string
}

// FullUser is a home-database user together with their access role on the
// document; the shape impersonation resolves to.
type FullUser struct {
	UserID int
	Email  string
	Name   string
	Access permissions.Role
}

// HomeDB resolves impersonation identities. A nil user with a nil error
// means "no such user".
type HomeDB interface {
	UserByID(id int) (*FullUser, error)
	UserByEmail(email string) (*FullUser, error)
}

// ActionGroup is the host's description of one committed bundle.
type ActionGroup struct {
	ActionNum     int
	Time          int64
	User          string
	Desc          string
	ActionSummary interface{}
}

// OutgoingMessage is one "docUserAction" broadcast to a subscriber, already
// censored for that viewer.
type OutgoingMessage struct {
	Type        string
	ActionGroup *ActionGroup
	DocActions  []actions.DocAction
}

// Subscriber is one client of the broadcast layer.
type Subscriber interface {
	Session() Session
	Send(msg OutgoingMessage) error
	// SendError surfaces a per-client failure, e.g. NEED_RELOAD.
	SendError(err error)
}

// Broadcaster multiplexes one outgoing message per subscriber.
type Broadcaster interface {
	ForEachSubscriber(fn func(sub Subscriber) error) error
}

// Dependencies wires the engine to its collaborators.
type Dependencies struct {
	// DocData is the live document snapshot the host keeps current.
	DocData *docdata.DocData
	// FetchFromDB pulls rows the snapshot does not hold.
	FetchFromDB docdata.FetchQueryFunc
	// Compiler compiles rule formulas.
	Compiler rules.Compiler
	HomeDB   HomeDB
	// Broadcaster delivers bundle updates to subscribed clients.
	Broadcaster Broadcaster
	// RecoveryMode tolerates rule errors so broken rules can be repaired;
	// only owners retain access.
	RecoveryMode bool
}
