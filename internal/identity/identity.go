// Package identity turns the intercepted profile payloads into a contact record.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/payslip-cli/api/schemas"
	"github.com/xkilldash9x/payslip-cli/internal/browser"
	"github.com/xkilldash9x/payslip-cli/internal/errs"
	"github.com/xkilldash9x/payslip-cli/internal/interception"
	"github.com/xkilldash9x/payslip-cli/internal/observability"
	"github.com/xkilldash9x/payslip-cli/internal/site"
)

// PersonalInformation is the personal-information payload.
type PersonalInformation struct {
	Variables struct {
		FirstName         string  `json:"firstName"`
		BirthName         string  `json:"birthName"`
		PhoneNumber       *string `json:"phoneNumber"`
		Address           *string `json:"address"`
		AddressNumber     *string `json:"addressNumber"`
		AddressStreetType *string `json:"addressStreetType"`
		AdditionalAddress *string `json:"additionalAddress"`
		Postcode          string  `json:"postcode"`
		City              string  `json:"city"`
		Country           string  `json:"country"`
	} `json:"variables"`
}

// UserSettings is the user-settings payload.
type UserSettings struct {
	UserEmails []struct {
		Address string `json:"address"`
		Primary bool   `json:"primary"`
	} `json:"userEmails"`
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// PhoneType classifies 06 and 07 numbers as mobile.
func PhoneType(number string) schemas.PhoneType {
	if strings.HasPrefix(number, "06") || strings.HasPrefix(number, "07") {
		return schemas.PhoneMobile
	}
	return schemas.PhoneHome
}

// BuildAddress assembles the formatted address and keeps each consumed part.
func BuildAddress(info PersonalInformation) schemas.Address {
	v := info.Variables
	street := value(v.Address)

	var addr schemas.Address
	var b strings.Builder
	if n := value(v.AddressNumber); n != "" && !strings.Contains(street, n) {
		b.WriteString(n)
		addr.StreetNumber = n
	} else {
		b.WriteString(street)
		addr.Street = street
	}
	if t := value(v.AddressStreetType); t != "" && !strings.Contains(street, t) {
		b.WriteString(" " + t)
		addr.StreetType = t
	}
	if c := value(v.AdditionalAddress); c != "" {
		b.WriteString(" " + c)
		addr.Complement = c
	}
	fmt.Fprintf(&b, " %s %s %s", v.Postcode, v.City, v.Country)

	addr.PostCode = v.Postcode
	addr.City = v.City
	addr.Country = v.Country
	addr.FormattedAddress = b.String()
	return addr
}

// Parse builds the identity record. Only primary emails are kept; a record
// without any is an errs.CodeIdentityIncomplete error.
func Parse(info PersonalInformation, settings UserSettings) (schemas.IdentityRecord, error) {
	v := info.Variables
	record := schemas.IdentityRecord{
		Name:    schemas.PersonName{GivenName: v.FirstName, FamilyName: v.BirthName},
		Address: []schemas.Address{BuildAddress(info)},
		Email:   []schemas.Email{},
	}
	if n := value(v.PhoneNumber); n != "" {
		record.Phone = []schemas.Phone{{Number: n, Type: PhoneType(n)}}
	}
	for _, e := range settings.UserEmails {
		if e.Primary {
			record.Email = append(record.Email, schemas.Email{Address: e.Address})
		}
	}
	if len(record.Email) == 0 {
		return record, errs.New(errs.CodeIdentityIncomplete, "identity.parse", "no primary email among %d addresses", len(settings.UserEmails))
	}
	return record, nil
}

// ParseIdentity decodes both payloads and parses them.
func ParseIdentity(personalInfo, userSettings []byte) (schemas.IdentityRecord, error) {
	var info PersonalInformation
	if err := json.Unmarshal(personalInfo, &info); err != nil {
		return schemas.IdentityRecord{}, fmt.Errorf("decoding personal information: %w", err)
	}
	var settings UserSettings
	if err := json.Unmarshal(userSettings, &settings); err != nil {
		return schemas.IdentityRecord{}, fmt.Errorf("decoding user settings: %w", err)
	}
	return Parse(info, settings)
}

// Interceptor is the part of the interception registry the extractor uses.
type Interceptor interface {
	Await(ctx context.Context, label string, timeout time.Duration) (interception.Response, error)
	Clear(labels ...string)
}

// Extractor opens the profile page and parses the payloads it loads.
type Extractor struct {
	page     browser.Page
	registry Interceptor
	site     site.Adapter
	timeout  time.Duration
	logger   *zap.Logger
}

// NewExtractor builds an Extractor.
func NewExtractor(page browser.Page, registry Interceptor, adapter site.Adapter, timeout time.Duration, logger *zap.Logger) *Extractor {
	return &Extractor{page: page, registry: registry, site: adapter, timeout: timeout, logger: logger.Named("identity")}
}

// Extract navigates to the profile while awaiting both profile payloads.
func (e *Extractor) Extract(ctx context.Context) (schemas.IdentityRecord, error) {
	defer observability.StartStep(e.logger, "parseIdentity")()

	e.registry.Clear(site.LabelUserSettings, site.LabelPersonalInformation)

	var settings, info interception.Response
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		settings, err = e.registry.Await(gctx, site.LabelUserSettings, e.timeout)
		return err
	})
	g.Go(func() (err error) {
		info, err = e.registry.Await(gctx, site.LabelPersonalInformation, e.timeout)
		return err
	})
	g.Go(func() error {
		return e.page.Navigate(gctx, e.site.URLs().Profile)
	})
	if err := g.Wait(); err != nil {
		return schemas.IdentityRecord{}, err
	}

	record, err := ParseIdentity(info.Body, settings.Body)
	if err != nil {
		return record, err
	}
	e.logger.Info("Identity parsed", zap.Int("emails", len(record.Email)), zap.Bool("phone", len(record.Phone) > 0))
	return record, nil
}
