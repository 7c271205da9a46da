package service

import "slices"

// Role is the caller class a presented API key resolves to.
type Role string

const (
	RoleNone     Role = ""
	RoleDesigner Role = "DESIGNER"
	RolePlayer   Role = "PLAYER"
	RoleSensor   Role = "SENSOR"
	RoleActuator Role = "ACTUATOR"
)

// Operation names one public registry operation. The value is also the
// HTTP path segment.
type Operation string

const (
	OpCreateItem      Operation = "create_item"
	OpUpdateItem      Operation = "update_item"
	OpDeleteItem      Operation = "delete_item"
	OpGetItem         Operation = "get_item"
	OpListItems       Operation = "list_items"
	OpAcquireItem     Operation = "acquire_item"
	OpCreateLocation  Operation = "create_location"
	OpDeleteLocation  Operation = "delete_location"
	OpListLocations   Operation = "list_locations"
	OpCreateTag       Operation = "create_tag"
	OpDeleteTag       Operation = "delete_tag"
	OpListTags        Operation = "list_tags"
	OpUpdateAttribute Operation = "update_attribute"
	OpGetAttribute    Operation = "get_attribute"
)

var permissions = map[Operation][]Role{
	OpCreateItem:      {RoleDesigner},
	OpUpdateItem:      {RoleDesigner},
	OpDeleteItem:      {RoleDesigner},
	OpGetItem:         {RoleDesigner, RolePlayer},
	OpListItems:       {RoleDesigner, RolePlayer},
	OpAcquireItem:     {RolePlayer},
	OpCreateLocation:  {RoleDesigner},
	OpDeleteLocation:  {RoleDesigner},
	OpListLocations:   {RoleDesigner},
	OpCreateTag:       {RoleDesigner},
	OpDeleteTag:       {RoleDesigner},
	OpListTags:        {RoleDesigner},
	OpUpdateAttribute: {RoleDesigner, RolePlayer, RoleSensor},
	OpGetAttribute:    {RoleDesigner, RolePlayer, RoleActuator},
}

// Operations returns every operation in a stable order.
func Operations() []Operation {
	ops := make([]Operation, 0, len(permissions))
	for op := range permissions {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// Allows reports whether role may perform op.
func (op Operation) Allows(role Role) bool {
	return role != RoleNone && slices.Contains(permissions[op], role)
}

// Params are the flat string parameters of one request. A missing key and
// a key present with an empty value are different.
type Params map[string]string
