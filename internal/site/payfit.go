package site

import (
	"github.com/xkilldash9x/payslip-cli/internal/interception"
)

const (
	baseURL     = "https://app.payfit.com/"
	payslipsURL = "https://app.payfit.com/payslips/"
	profileURL  = "https://app.payfit.com/settings/profile"
	filesAPI    = "https://api.payfit.com/files"

	burgerSVG = `[d="M2 15.5v2h20v-2H2zm0-5v2h20v-2H2zm0-5v2h20v-2H2z"]`
)

type payfit struct {
	mode SwitchMode
}

func (p *payfit) Revision() string {
	if p.mode == SwitchPicker {
		return "payfit-picker"
	}
	return "payfit"
}

func (p *payfit) URLs() URLs {
	return URLs{Base: baseURL, Payslips: payslipsURL, Profile: profileURL, FilesAPI: filesAPI}
}

func (p *payfit) Patterns() []interception.Pattern {
	return []interception.Pattern{
		{Label: LabelAccountList, Method: "GET", URL: "auth/auth0/accounts"},
		{Label: LabelPersonalInformation, Method: "GET", URL: "https://api.payfit.com/hr/user-settings/personal-information", Exact: true},
		{Label: LabelUserInfos, Method: "POST", URL: "https://api.payfit.com/hr/user/info", Exact: true},
		{Label: LabelUserSettings, Method: "GET", URL: "https://api.payfit.com/hr/user-settings", Exact: true},
		{Label: LabelFilesList, Method: "POST", URL: "https://api.payfit.com/files/files", Exact: true},
		{Label: LabelSignedURL, Method: "GET", URL: "/presigned-url"},
	}
}

func (p *payfit) Login() LoginSelectors {
	return LoginSelectors{
		Username:         "#username",
		Password:         "#password",
		SubmitUsername:   "._button-login-id",
		SubmitPassword:   "._button-login-password",
		PasswordError:    "#error-element-password",
		AuthenticatorTag: ".ulp-authenticator-selector-text",
		TwoFactor:        "#code",
		Home:             burgerSVG,
		AccountSelection: `button[data-testid="accountButton"]`,
	}
}

func (p *payfit) Logout() LogoutSequence {
	return LogoutSequence{Option: "button > strong", Labels: []string{"Déconnexion", "Logout"}}
}

func (p *payfit) Listing() ListingSelectors {
	return ListingSelectors{
		Container: `[data-testid="payslips-list"]`,
		Item:      `[data-testid="payslip-item"]`,
		IDAttr:    "data-file-id",
	}
}

func (p *payfit) Picker() PickerSelectors {
	return PickerSelectors{
		Entry:       `button[data-testid="accountButton"]`,
		Company:     "strong",
		Description: "span",
	}
}

func (p *payfit) SwitchMode() SwitchMode { return p.mode }

func (p *payfit) PageScripts() []string {
	return []string{CredentialCaptureScript(p.Login())}
}

func (p *payfit) AccountChoiceKey() string { return "accountChoice" }
