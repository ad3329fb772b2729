package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// The JSON column types below implement driver.Valuer and sql.Scanner so gorm stores them as JSON
// (JSONB on postgres).

func jsonValue(v interface{}) (driver.Value, error) {
	ba, err := json.Marshal(v)
	return string(ba), err
}

func jsonScan(val interface{}, dest interface{}) error {
	var ba []byte
	switch v := val.(type) {
	case nil:
		return nil
	case []byte:
		ba = v
	case string:
		ba = []byte(v)
	default:
		return fmt.Errorf("failed to unmarshal JSON value: %v", val)
	}
	if len(ba) == 0 {
		return nil
	}
	return json.Unmarshal(ba, dest)
}

func jsonDBDataType(db *gorm.DB) string {
	switch db.Dialector.Name() {
	case "sqlite", "mysql":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// JSONStringMap is a map[string]string JSON column.
type JSONStringMap map[string]string

func (m JSONStringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	return jsonValue(map[string]string(m))
}

func (m *JSONStringMap) Scan(val interface{}) error {
	t := map[string]string{}
	err := jsonScan(val, &t)
	*m = t
	return err
}

func (JSONStringMap) GormDataType() string { return "jsonstringmap" }

func (JSONStringMap) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonDBDataType(db) }

// StringList is a []string JSON column, used for traits and similar flat lists.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return jsonValue([]string(l))
}

func (l *StringList) Scan(val interface{}) error {
	t := []string{}
	err := jsonScan(val, &t)
	*l = t
	return err
}

func (StringList) GormDataType() string { return "stringlist" }

func (StringList) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonDBDataType(db) }

// TraitGrants maps a role to the traits that imply it. An empty list implies the role for everyone.
type TraitGrants map[string][]string

func (g TraitGrants) Value() (driver.Value, error) {
	if g == nil {
		return "{}", nil
	}
	return jsonValue(map[string][]string(g))
}

func (g *TraitGrants) Scan(val interface{}) error {
	t := map[string][]string{}
	err := jsonScan(val, &t)
	*g = t
	return err
}

func (TraitGrants) GormDataType() string { return "traitgrants" }

func (TraitGrants) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonDBDataType(db) }

// PermissionConfig maps a permission key to the roles holding it.
type PermissionConfig map[string][]string

func (c PermissionConfig) Value() (driver.Value, error) {
	if c == nil {
		return "{}", nil
	}
	return jsonValue(map[string][]string(c))
}

func (c *PermissionConfig) Scan(val interface{}) error {
	t := map[string][]string{}
	err := jsonScan(val, &t)
	*c = t
	return err
}

func (PermissionConfig) GormDataType() string { return "permissionconfig" }

func (PermissionConfig) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return jsonDBDataType(db)
}

// ModuleConfig describes one live module of a room.
type ModuleConfig struct {
	Type   string                 `json:"type" mapstructure:"type" validate:"required"`
	Config map[string]interface{} `json:"config" mapstructure:"config"`
}

// ModuleConfigs is the ordered module list of a room.
type ModuleConfigs []ModuleConfig

func (m ModuleConfigs) Value() (driver.Value, error) {
	if m == nil {
		return "[]", nil
	}
	return jsonValue([]ModuleConfig(m))
}

func (m *ModuleConfigs) Scan(val interface{}) error {
	t := []ModuleConfig{}
	err := jsonScan(val, &t)
	*m = t
	return err
}

func (ModuleConfigs) GormDataType() string { return "moduleconfigs" }

func (ModuleConfigs) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonDBDataType(db) }

// JWTSecrets is the list of accepted token configurations of a world.
type JWTSecrets []JWTConfig

func (s JWTSecrets) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return jsonValue([]JWTConfig(s))
}

func (s *JWTSecrets) Scan(val interface{}) error {
	t := []JWTConfig{}
	err := jsonScan(val, &t)
	*s = t
	return err
}

func (JWTSecrets) GormDataType() string { return "jwtsecrets" }

func (JWTSecrets) GormDBDataType(db *gorm.DB, _ *schema.Field) string { return jsonDBDataType(db) }

// JSONMap is a free-form JSON object column (profiles, chat content, module settings).
type JSONMap = datatypes.JSONMap
