// Package googleauth holds the OAuth service/scope definitions shared by
// the auth commands and the API service constructors.
package googleauth

import "fmt"

// Service identifies a Google API surface we request scopes for.
type Service string

const (
	// ServiceDrive is the Google Drive API.
	ServiceDrive Service = "drive"
)

var serviceScopes = map[Service][]string{
	ServiceDrive: {
		"https://www.googleapis.com/auth/drive",
	},
}

// Scopes returns the OAuth scopes required for a service.
func Scopes(service Service) ([]string, error) {
	scopes, ok := serviceScopes[service]
	if !ok {
		return nil, fmt.Errorf("unknown service: %s", service)
	}
	return append([]string(nil), scopes...), nil
}
