package auth

import (
	"fmt"

	casbin "github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

type Object string
type Action string

const (
	ObjSlot         Object = "slot"
	ObjAppointment  Object = "appointment"
	ObjPayment      Object = "payment"
	ObjPriceSetting Object = "price_setting"
)

const (
	ActRead     Action = "read"
	ActCreate   Action = "create"
	ActDelete   Action = "delete"
	ActBook     Action = "book"
	ActCancel   Action = "cancel"
	ActInitiate Action = "initiate"
	ActVerify   Action = "verify"
	ActWrite    Action = "write"
)

const policyModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// Role grants. Admin inherits everything a practitioner can do. Ownership
// checks stay in the services; this only answers "may this role try".
var rolePolicies = [][]string{
	{"patient", "slot", "read"},
	{"patient", "appointment", "read"},
	{"patient", "appointment", "book"},
	{"patient", "appointment", "cancel"},
	{"patient", "payment", "read"},
	{"patient", "payment", "initiate"},
	{"patient", "payment", "verify"},

	{"practitioner", "slot", "read"},
	{"practitioner", "slot", "create"},
	{"practitioner", "slot", "delete"},
	{"practitioner", "appointment", "read"},
	{"practitioner", "appointment", "cancel"},
	{"practitioner", "payment", "read"},
	{"practitioner", "payment", "verify"},
	{"practitioner", "price_setting", "read"},
	{"practitioner", "price_setting", "write"},
}

var roleInheritance = [][]string{
	{"admin", "practitioner"},
}

// Policy is the role based access check used by the HTTP layer.
type Policy struct {
	enforcer *casbin.Enforcer
}

func NewPolicy() (*Policy, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("load policy model: %w", err)
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}

	for _, p := range rolePolicies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("add policy %v: %w", p, err)
		}
	}
	for _, g := range roleInheritance {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return nil, fmt.Errorf("add role %v: %w", g, err)
		}
	}

	return &Policy{enforcer: e}, nil
}

func (p *Policy) Allowed(role Role, obj Object, act Action) (bool, error) {
	if !role.Valid() {
		return false, nil
	}
	return p.enforcer.Enforce(string(role), string(obj), string(act))
}
