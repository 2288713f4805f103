package control

import (
	"encoding/json"
	"fmt"
	"io"
)

// decodeCommand unmarshals body into the concrete Command type named by
// name (the {name} path segment), matching spec §6's command-name table.
func decodeCommand(name string, body io.Reader) (Command, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	switch name {
	case "run-now":
		var c RunNow
		return c, json.Unmarshal(raw, &c)
	case "suspend":
		var c Suspend
		return c, json.Unmarshal(raw, &c)
	case "activate":
		var c Activate
		return c, json.Unmarshal(raw, &c)
	case "add-tenant":
		var c AddTenant
		return c, json.Unmarshal(raw, &c)
	case "get-tenant":
		var c GetTenant
		return c, json.Unmarshal(raw, &c)
	case "list-tenants":
		var c ListTenants
		return c, json.Unmarshal(raw, &c)
	case "update-tenant":
		var c UpdateTenant
		return c, json.Unmarshal(raw, &c)
	case "delete-tenant":
		var c DeleteTenant
		return c, json.Unmarshal(raw, &c)
	case "add-account":
		var c AddAccount
		return c, json.Unmarshal(raw, &c)
	case "list-accounts":
		var c ListAccounts
		return c, json.Unmarshal(raw, &c)
	case "delete-account":
		var c DeleteAccount
		return c, json.Unmarshal(raw, &c)
	case "add-messages":
		var c AddMessages
		return c, json.Unmarshal(raw, &c)
	case "delete-messages":
		var c DeleteMessages
		return c, json.Unmarshal(raw, &c)
	case "list-messages":
		var c ListMessages
		return c, json.Unmarshal(raw, &c)
	case "cleanup-messages":
		var c CleanupMessages
		return c, json.Unmarshal(raw, &c)
	case "get-instance":
		var c GetInstance
		return c, json.Unmarshal(raw, &c)
	case "update-instance":
		var c UpdateInstance
		return c, json.Unmarshal(raw, &c)
	default:
		return nil, fmt.Errorf("unknown command %q", name)
	}
}
