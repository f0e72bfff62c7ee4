package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/almazom/kmi-gateway/internal/registry"
)

// credentialRecord is the on-disk shape of one entry in the credentials
// file. Parsing heterogeneous credential-source formats is explicitly out
// of the core's scope; this is the one format the command-line front end
// understands, and it hands the core a fully constructed Registry.
type credentialRecord struct {
	Label           string `json:"label"`
	Secret          string `json:"secret"`
	Priority        int    `json:"priority"`
	BaseURLOverride string `json:"base_url_override"`
	Disabled        bool   `json:"disabled"`
}

// loadCredentials reads a JSON array of credentialRecord from path and
// builds a Registry from it.
func loadCredentials(path string) (*registry.Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials file %q: %w", path, err)
	}

	var records []credentialRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parse credentials file %q: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("credentials file %q contains no entries", path)
	}

	credentials := make([]registry.Credential, 0, len(records))
	for _, rec := range records {
		if rec.Label == "" || rec.Secret == "" {
			return nil, fmt.Errorf("credentials file %q: every entry needs a label and a secret", path)
		}
		credentials = append(credentials, registry.NewCredential(rec.Label, rec.Secret, rec.Priority, rec.BaseURLOverride, rec.Disabled))
	}

	return registry.New(credentials)
}
