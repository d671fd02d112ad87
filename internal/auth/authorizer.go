package auth

import (
	"github.com/casbin/casbin"

	"bankledger/internal/fault"
)

// actions checked against the policy
const (
	ActionRead  = "read"
	ActionWrite = "write"
)

// Accepts ACL model and policy files
func New(model, policy string) *Authorizer {
	enforcer := casbin.NewEnforcer(model, policy)
	return &Authorizer{enforcer}
}

type Authorizer struct {
	enforcer *casbin.Enforcer
}

// Authorize returns an Unauthorized fault unless the policy lets subject perform action on object
func (a *Authorizer) Authorize(subject, object, action string) error {
	if !a.enforcer.Enforce(subject, object, action) {
		if subject == "" {
			subject = "anonymous"
		}
		return fault.Unauthorized("%s not permitted to %s %s", subject, action, object)
	}

	return nil
}
