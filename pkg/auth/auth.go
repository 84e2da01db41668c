package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"ticketteller/pkg/config"
	"ticketteller/pkg/errutil"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("auth", fx.Provide(New))

type Role string

const (
	RoleAdmin       Role = "admin"
	RoleContributor Role = "contributor"
	RoleUser        Role = "user"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && keyMatch2(r.obj, p.obj) && regexMatch(r.act, p.act)
`

// admin inherits contributor, contributor inherits user.
var (
	policies = [][]string{
		{string(RoleUser), "/subscriptions", "^GET$"},
		{string(RoleUser), "/subscriptions/:id", "^GET$"},
		{string(RoleUser), "/subscriptions/:id/use", "^POST$"},
		{string(RoleContributor), "/subscriptions/:id/report", "^GET$"},
		{string(RoleContributor), "/subscriptions/:id/tickets", "^GET$"},
		{string(RoleContributor), "/subscriptions/:id/refresh", "^POST$"},
		{string(RoleAdmin), "/subscriptions", "^POST$"},
		{string(RoleAdmin), "/subscriptions/:id", "^(PUT|DELETE)$"},
	}
	inheritance = [][]string{
		{string(RoleAdmin), string(RoleContributor)},
		{string(RoleContributor), string(RoleUser)},
	}
)

type credential struct {
	key  []byte
	role Role
}

// Authorizer resolves an API key to a role and checks the role against the
// route policy. It holds no per-request state.
type Authorizer struct {
	credentials []credential
	enforcer    *casbin.Enforcer
}

func New(cfg *config.Config) (*Authorizer, error) {
	a, err := NewAuthorizer(map[Role]string{
		RoleAdmin:       cfg.Auth.AdminKey,
		RoleContributor: cfg.Auth.ContributorKey,
		RoleUser:        cfg.Auth.UserKey,
	})
	if err != nil {
		return nil, err
	}

	if len(a.credentials) == 0 {
		zap.L().Warn("no API keys configured, every protected request will be rejected")
	}
	return a, nil
}

func NewAuthorizer(keys map[Role]string) (*Authorizer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("load rbac model: %w", err)
	}

	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}

	for _, p := range policies {
		if _, err := e.AddPolicy(p[0], p[1], p[2]); err != nil {
			return nil, fmt.Errorf("add policy: %w", err)
		}
	}
	for _, g := range inheritance {
		if _, err := e.AddGroupingPolicy(g[0], g[1]); err != nil {
			return nil, fmt.Errorf("add role inheritance: %w", err)
		}
	}

	a := &Authorizer{enforcer: e}
	for _, role := range []Role{RoleAdmin, RoleContributor, RoleUser} {
		if key := keys[role]; key != "" {
			a.credentials = append(a.credentials, credential{key: []byte(key), role: role})
		}
	}
	return a, nil
}

// Authenticate maps an API key to its role.
func (a *Authorizer) Authenticate(key string) (Role, error) {
	if key == "" {
		return "", errutil.Unauthorized("api key was not provided", nil)
	}

	for _, c := range a.credentials {
		if subtle.ConstantTimeCompare(c.key, []byte(key)) == 1 {
			return c.role, nil
		}
	}
	return "", errutil.Unauthorized("invalid api key provided", nil)
}

// Authorize authenticates key and checks that its role may call method on path.
func (a *Authorizer) Authorize(key, path, method string) (Role, error) {
	role, err := a.Authenticate(key)
	if err != nil {
		return "", err
	}

	ok, err := a.enforcer.Enforce(string(role), path, method)
	if err != nil {
		return "", errutil.Internal("authorization failed", err)
	}
	if !ok {
		return "", errutil.Forbidden("role is not allowed to perform this action", nil, errutil.WithDetails(errutil.Detail{
			Field:   "role",
			Message: string(role),
		}))
	}
	return role, nil
}

type roleKey struct{}

func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleKey{}, role)
}

func RoleFrom(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(roleKey{}).(Role)
	return role, ok
}
