// Package accounts discovers the contracts of the logged in user, orders them
// and switches the portal's active contract.
package accounts

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
)

// ParseAccounts decodes an account list response, keeping each entry verbatim.
func ParseAccounts(body []byte) ([]schemas.Account, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("decoding account list: %w", err)
	}

	accounts := make([]schemas.Account, 0, len(entries))
	for i, entry := range entries {
		var raw schemas.RawAccount
		if err := json.Unmarshal(entry, &raw); err != nil {
			return nil, fmt.Errorf("decoding account %d: %w", i, err)
		}
		accounts = append(accounts, schemas.Account{
			CompanyID:          raw.Account.CompanyID,
			EmployeeID:         raw.Account.EmployeeID,
			CompanyName:        raw.CompanyInfo.Name,
			UserRole:           raw.Account.UserRole,
			ContractDescriptor: raw.CompanyInfo.LoginDescription,
			ContractStartKey:   ContractStartKey(raw.CompanyInfo.LoginDescription),
			Raw:                append(json.RawMessage(nil), entry...),
		})
	}
	return accounts, nil
}

// ContractStartKey turns the date after the last colon of a login description,
// "Salarié depuis le : 01/09/2020", into a key that sorts by date, "2020/09/01".
func ContractStartKey(loginDescription string) string {
	parts := strings.Split(loginDescription, ":")
	date := strings.TrimSpace(parts[len(parts)-1])
	fields := strings.Split(date, "/")
	for i, j := 0, len(fields)-1; i < j; i, j = i+1, j-1 {
		fields[i], fields[j] = fields[j], fields[i]
	}
	return strings.Join(fields, "/")
}

// SelectAccounts drops excluded roles, orders the rest latest contract first
// and keeps only the latest one unless fullRefresh is set.
func SelectAccounts(accounts []schemas.Account, fullRefresh bool, excludedRoles []string) []schemas.Account {
	excluded := make(map[string]bool, len(excludedRoles))
	for _, r := range excludedRoles {
		excluded[r] = true
	}

	selected := make([]schemas.Account, 0, len(accounts))
	for _, a := range accounts {
		if !excluded[a.UserRole] {
			selected = append(selected, a)
		}
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].ContractStartKey > selected[j].ContractStartKey
	})

	if !fullRefresh && len(selected) > 1 {
		selected = selected[:1]
	}
	return selected
}

// SubPath names the folder of a contract's files: "{company} - {contract} - {yyyy-mm-dd}".
func SubPath(account schemas.Account, contract schemas.ContractContext) string {
	fields := strings.Split(contract.ContractStartDate, "/")
	for i, j := 0, len(fields)-1; i < j; i, j = i+1, j-1 {
		fields[i], fields[j] = fields[j], fields[i]
	}
	return fmt.Sprintf("%s - %s - %s", account.CompanyName, contract.ContractName, strings.Join(fields, "-"))
}
