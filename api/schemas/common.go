// Package schemas holds the records exchanged between the portal automation,
// its sinks and the run history.
package schemas

import (
	"time"

	json "github.com/json-iterator/go"
)

// -- Credentials --

// Credentials are the login pair typed into the portal's login form.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// -- Accounts --

// RawAccount is one entry of the intercepted account list, as sent by the portal.
type RawAccount struct {
	Account struct {
		CompanyID  string `json:"companyId"`
		EmployeeID string `json:"employeeId"`
		UserRole   string `json:"userRole"`
	} `json:"account"`
	CompanyInfo struct {
		Name             string `json:"name"`
		LoginDescription string `json:"loginDescription"`
	} `json:"companyInfo"`
}

// Account is one employment contract the authenticated user can switch to.
type Account struct {
	CompanyID          string `json:"companyId"`
	EmployeeID         string `json:"employeeId"`
	CompanyName        string `json:"companyName"`
	UserRole           string `json:"userRole"`
	ContractDescriptor string `json:"contractDescriptor"`
	// ContractStartKey sorts lexically in contract start order.
	ContractStartKey string `json:"contractStartKey"`
	// ContractEndDate is set once the portal reports the contract as ended.
	ContractEndDate *string `json:"contractEndDate,omitempty"`

	// Raw is the entry verbatim, written back as the local storage account choice.
	Raw json.RawMessage `json:"-"`
}

// ContractContext describes the active contract, read after a switch.
type ContractContext struct {
	ContractName      string `json:"contractName"`
	ContractStartDate string `json:"contractStartDate"`
}

// -- Documents --

// DocumentMetadata is attached to each stored payslip file.
type DocumentMetadata struct {
	ContentAuthor string    `json:"contentAuthor"`
	IssueDate     time.Time `json:"issueDate"`
	CarbonCopy    bool      `json:"carbonCopy"`
}

// PayslipDocument is a payslip ready to be downloaded and stored.
type PayslipDocument struct {
	VendorID    string           `json:"vendorId"`
	VendorRef   string           `json:"vendorRef"`
	Date        string           `json:"date"`
	CompanyName string           `json:"companyName"`
	Filename    string           `json:"filename"`
	DownloadURL string           `json:"downloadUrl"`
	Recurrence  string           `json:"recurrence"`
	Metadata    DocumentMetadata `json:"metadata"`
}

// SaveOptions parameterize a document sink call.
type SaveOptions struct {
	FileIDAttributes   []string `json:"fileIdAttributes"`
	ContentType        string   `json:"contentType"`
	QualificationLabel string   `json:"qualificationLabel"`
	SubPath            string   `json:"subPath"`
	SourceAccount      string   `json:"sourceAccount"`
	// Token authorizes the file downloads.
	Token string `json:"-"`
}

// -- Identity --

// PersonName is the given and family name of the user.
type PersonName struct {
	GivenName  string `json:"givenName"`
	FamilyName string `json:"familyName"`
}

// Address is a postal address with its formatted form.
type Address struct {
	StreetNumber     string `json:"streetNumer,omitempty"`
	Street           string `json:"street,omitempty"`
	StreetType       string `json:"streetType,omitempty"`
	Complement       string `json:"complement,omitempty"`
	PostCode         string `json:"postCode"`
	City             string `json:"city"`
	Country          string `json:"country"`
	FormattedAddress string `json:"formattedAddress"`
}

// Email is one contact email address.
type Email struct {
	Address string `json:"address"`
}

// PhoneType classifies a phone number.
type PhoneType string

const (
	PhoneMobile PhoneType = "mobile"
	PhoneHome   PhoneType = "home"
)

// Phone is one contact phone number.
type Phone struct {
	Number string    `json:"number"`
	Type   PhoneType `json:"type"`
}

// IdentityRecord is the normalized contact of the user.
type IdentityRecord struct {
	Name    PersonName `json:"name"`
	Address []Address  `json:"address"`
	Email   []Email    `json:"email"`
	Phone   []Phone    `json:"phone,omitempty"`
}

// -- Runs --

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// TriggerState summarizes the run history for run mode decisions.
type TriggerState struct {
	LastExecution *time.Time `json:"lastExecution,omitempty"`
	LastSuccess   *time.Time `json:"lastSuccess,omitempty"`
	LastFailure   *time.Time `json:"lastFailure,omitempty"`
}

// RunRecord is one row of the run history.
type RunRecord struct {
	ID            string     `json:"id"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
	Status        RunStatus  `json:"status"`
	FullRefresh   bool       `json:"fullRefresh"`
	Reason        string     `json:"reason"`
	SourceAccount string     `json:"sourceAccount,omitempty"`
	Documents     int        `json:"documents"`
	Error         string     `json:"error,omitempty"`
}
