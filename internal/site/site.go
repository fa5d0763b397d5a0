// Package site describes the payroll portal revisions the automation knows how
// to drive: URLs, DOM markers, interception patterns and page scripts.
package site

import (
	"fmt"

	"github.com/xkilldash9x/payslip-cli/internal/config"
	"github.com/xkilldash9x/payslip-cli/internal/interception"
)

// Interception labels shared by every revision.
const (
	LabelAccountList         = "accountList"
	LabelPersonalInformation = "personnalInformations"
	LabelUserInfos           = "userInfos"
	LabelUserSettings        = "userSettings"
	LabelFilesList           = "filesList"
	LabelSignedURL           = "signedUrl"
)

// SwitchMode selects how the active contract is changed.
type SwitchMode string

const (
	// SwitchStorage writes the account choice into local storage and reloads.
	SwitchStorage SwitchMode = "storage"
	// SwitchPicker clicks an entry on the contract picker screen.
	SwitchPicker SwitchMode = "picker"
)

// URLs are the fixed pages of the portal.
type URLs struct {
	Base     string
	Payslips string
	Profile  string
	// FilesAPI prefixes the relative path returned by a signed URL response.
	FilesAPI string
}

// LoginSelectors locate the login surface and the authenticated markers.
type LoginSelectors struct {
	Username         string
	Password         string
	SubmitUsername   string
	SubmitPassword   string
	PasswordError    string
	AuthenticatorTag string

	TwoFactor        string
	Home             string
	AccountSelection string
}

// LogoutSequence ends the session from the account switch page, which acts as
// the logout menu once opened.
type LogoutSequence struct {
	// Option is the element carrying the logout label.
	Option string
	// Labels are tried in order; the first present one is clicked.
	Labels []string
}

// ListingSelectors drive the virtualized payslip list.
type ListingSelectors struct {
	Container string
	Item      string
	IDAttr    string
}

// PickerSelectors drive the contract picker screen.
type PickerSelectors struct {
	Entry       string
	Company     string
	Description string
}

// Adapter is everything that varies between portal revisions.
type Adapter interface {
	Revision() string
	URLs() URLs
	Patterns() []interception.Pattern
	Login() LoginSelectors
	Logout() LogoutSequence
	Listing() ListingSelectors
	Picker() PickerSelectors
	SwitchMode() SwitchMode
	// PageScripts are installed on every document of the session.
	PageScripts() []string
	// AccountChoiceKey is the local storage key holding the active account.
	AccountChoiceKey() string
}

// New returns the adapter for a configured revision.
func New(revision string) (Adapter, error) {
	switch revision {
	case config.RevisionStorage:
		return &payfit{mode: SwitchStorage}, nil
	case config.RevisionPicker:
		return &payfit{mode: SwitchPicker}, nil
	default:
		return nil, fmt.Errorf("unknown site revision %q", revision)
	}
}
