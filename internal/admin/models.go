package admin

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleViewer  Role = "viewer"
	RoleSupport Role = "support"
	RoleAdmin   Role = "admin"
	// RoleService identifies collaborating systems that report bets,
	// deposits and wallet commands. It grants no override actions.
	RoleService Role = "service"
)

func (r Role) Valid() bool {
	switch r {
	case RoleViewer, RoleSupport, RoleAdmin, RoleService:
		return true
	}
	return false
}

type Action string

const (
	ActionAwardBonus        Action = "award_bonus"
	ActionCancelBonus       Action = "cancel_bonus"
	ActionResetWagering     Action = "reset_wagering"
	ActionSetContributions  Action = "set_contributions"
	ActionCreateDefinition  Action = "create_definition"
	ActionUpdateDefinition  Action = "update_definition"
	ActionDisableDefinition Action = "disable_definition"
)

var permissions = map[Role][]Action{
	RoleSupport: {ActionAwardBonus, ActionCancelBonus},
	RoleAdmin: {
		ActionAwardBonus, ActionCancelBonus, ActionResetWagering, ActionSetContributions,
		ActionCreateDefinition, ActionUpdateDefinition, ActionDisableDefinition,
	},
}

// Operator is the authenticated back-office user behind a call.
type Operator struct {
	ID       string
	Username string
	Role     Role
}

// Can reports whether the operator's role grants action.
func (o Operator) Can(action Action) bool {
	for _, a := range permissions[o.Role] {
		if a == action {
			return true
		}
	}
	return false
}

const (
	TargetDefinition = "bonus_definition"
	TargetInstance   = "player_bonus"
)

// Snapshot is a JSON document kept in a jsonb column.
type Snapshot json.RawMessage

func snapshotOf(v interface{}) (Snapshot, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit snapshot: %w", err)
	}
	return Snapshot(raw), nil
}

func (s Snapshot) Value() (driver.Value, error) {
	if len(s) == 0 {
		return nil, nil
	}
	return string(s), nil
}

func (s *Snapshot) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
	case []byte:
		*s = append(Snapshot(nil), v...)
	case string:
		*s = Snapshot(v)
	default:
		return fmt.Errorf("cannot scan %T into Snapshot", src)
	}
	return nil
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

// AuditRecord is one attributable operator action with the target's state
// before and after it.
type AuditRecord struct {
	AuditID          string    `gorm:"column:audit_id;primaryKey;type:uuid" json:"audit_id"`
	OperatorID       string    `gorm:"column:operator_id;type:varchar(100);not null" json:"operator_id"`
	OperatorUsername string    `gorm:"column:operator_username;type:varchar(100);not null" json:"operator_username"`
	OperatorRole     Role      `gorm:"column:operator_role;type:varchar(50);not null" json:"operator_role"`
	Action           Action    `gorm:"column:action;type:varchar(50);not null" json:"action"`
	TargetType       string    `gorm:"column:target_type;type:varchar(50);not null" json:"target_type"`
	TargetID         string    `gorm:"column:target_id;type:varchar(100);not null" json:"target_id"`
	Reason           *string   `gorm:"column:reason" json:"reason,omitempty"`
	BeforeState      Snapshot  `gorm:"column:before_state;type:jsonb" json:"before_state"`
	AfterState       Snapshot  `gorm:"column:after_state;type:jsonb" json:"after_state"`
	CreatedAt        time.Time `gorm:"column:created_at;not null" json:"created_at"`
}

func (AuditRecord) TableName() string { return "admin_audit_log" }

// AwardRequest grants a definition, or an ad-hoc amount when DefinitionID is
// empty. Overrides replace the definition's computed terms.
type AwardRequest struct {
	PlayerID       string           `json:"player_id" binding:"required"`
	DefinitionID   string           `json:"definition_id"`
	Amount         *decimal.Decimal `json:"amount"`
	BaseAmount     decimal.Decimal  `json:"base_amount"`
	WageringTarget *decimal.Decimal `json:"wagering_target"`
	ExpiresAt      *time.Time       `json:"expires_at"`
	Reason         string           `json:"reason"`
}

type ResetRequest struct {
	Wagered decimal.Decimal  `json:"wagered"`
	Target  *decimal.Decimal `json:"target"`
	Reason  string           `json:"reason"`
}
