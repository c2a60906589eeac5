package config

import (
	"context"
	"strings"

	"bitbucket.org/fieldworks/workorders_backend/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TenantGuardPlugin appends a business_id filter to every query, row scan,
// update and delete against a table that carries the column, taken from the
// request context. Raw SQL is not covered and must filter on business_id
// itself. Admin sessions and jobs that set the skip flag bypass the guard.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Query().Before("gorm:query").Register("tenant_guard:query", scopeToTenant); err != nil {
		return err
	}
	if err := db.Callback().Row().Before("gorm:row").Register("tenant_guard:row", scopeToTenant); err != nil {
		return err
	}
	if err := db.Callback().Update().Before("gorm:update").Register("tenant_guard:update", scopeToTenant); err != nil {
		return err
	}
	return db.Callback().Delete().Before("gorm:delete").Register("tenant_guard:delete", scopeToTenant)
}

const tenantColumn = "business_id"

func scopeToTenant(db *gorm.DB) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil {
		return
	}
	ctx := db.Statement.Context
	if bypassTenantScope(ctx) {
		return
	}

	businessId := tenantFromContext(ctx)
	if businessId == "" {
		return
	}
	if db.Statement.Schema == nil || db.Statement.Schema.LookUpField(tenantColumn) == nil {
		return
	}
	// An explicit business_id condition in the statement wins.
	if hasTenantFilter(db.Statement.Clauses["WHERE"]) {
		return
	}

	db.Statement.AddClause(clause.Where{
		Exprs: []clause.Expression{
			clause.Eq{
				Column: clause.Column{Table: db.Statement.Table, Name: tenantColumn},
				Value:  businessId,
			},
		},
	})
}

func tenantFromContext(ctx context.Context) string {
	v, _ := ctx.Value(appctx.ContextKeyBusinessId).(string)
	return v
}

func bypassTenantScope(ctx context.Context) bool {
	if skip, _ := ctx.Value(appctx.ContextKeySkipTenantScope).(bool); skip {
		return true
	}
	admin, _ := ctx.Value(appctx.ContextKeyIsAdmin).(bool)
	return admin
}

func hasTenantFilter(c clause.Clause) bool {
	where, ok := c.Expression.(clause.Where)
	if !ok {
		return false
	}
	for _, expr := range where.Exprs {
		if exprFiltersTenant(expr) {
			return true
		}
	}
	return false
}

func exprFiltersTenant(e clause.Expression) bool {
	switch v := e.(type) {
	case clause.Eq:
		return isTenantColumn(v.Column)
	case clause.Neq:
		return isTenantColumn(v.Column)
	case clause.Gt:
		return isTenantColumn(v.Column)
	case clause.Gte:
		return isTenantColumn(v.Column)
	case clause.Lt:
		return isTenantColumn(v.Column)
	case clause.Lte:
		return isTenantColumn(v.Column)
	case clause.IN:
		return isTenantColumn(v.Column)
	case clause.AndConditions:
		for _, inner := range v.Exprs {
			if exprFiltersTenant(inner) {
				return true
			}
		}
	case clause.OrConditions:
		for _, inner := range v.Exprs {
			if exprFiltersTenant(inner) {
				return true
			}
		}
	case clause.Expr:
		// Raw fragments like "business_id = ?" count as explicit filters.
		return strings.Contains(strings.ToLower(v.SQL), tenantColumn)
	}
	return false
}

func isTenantColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, tenantColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, tenantColumn)
	}
	return false
}
