// Package model holds the declarative product/form schema tables. The bank
// consumes them as read-only lookups; defining the schema format itself is
// outside this repository.
package model

// Rule is one declared validation on a form field. Expr is evaluated against
// the submitted form body; a false result rejects the field with Message.
type Rule struct {
	Field   string `json:"field"`
	Expr    string `json:"expr"`
	Message string `json:"message"`
}

// Form describes one form document type.
type Form struct {
	Type       string   `json:"type"`
	Title      string   `json:"title,omitempty"`
	Properties []string `json:"properties,omitempty"`
	// MultiEntry forms accept any number of instances; the counterparty
	// terminates the sequence explicitly.
	MultiEntry bool   `json:"multiEntry,omitempty"`
	Rules      []Rule `json:"rules,omitempty"`
}

// Product describes one product type: the ordered forms it requires and the
// certificate issued on approval.
type Product struct {
	Type                  string   `json:"type"`
	Title                 string   `json:"title,omitempty"`
	Forms                 []string `json:"forms"`
	Certificate           string   `json:"certificate,omitempty"`
	CertificateProperties []string `json:"certificateProperties,omitempty"`
	// AllowMultiple permits more than one resolved instance per customer.
	AllowMultiple bool `json:"allowMultiple,omitempty"`
}

// Set indexes products and forms by type.
type Set struct {
	products map[string]Product
	forms    map[string]Form
	order    []string
}

func NewSet(products []Product, forms []Form) Set {
	s := Set{
		products: make(map[string]Product, len(products)),
		forms:    make(map[string]Form, len(forms)),
	}
	for _, p := range products {
		s.products[p.Type] = p
		s.order = append(s.order, p.Type)
	}
	for _, f := range forms {
		s.forms[f.Type] = f
	}
	return s
}

func (s Set) Product(typ string) (Product, bool) {
	p, ok := s.products[typ]
	return p, ok
}

func (s Set) Form(typ string) (Form, bool) {
	f, ok := s.forms[typ]
	return f, ok
}

// IsForm reports whether typ names a known form document type.
func (s Set) IsForm(typ string) bool {
	_, ok := s.forms[typ]
	return ok
}

// ProductTypes returns product type ids in declaration order.
func (s Set) ProductTypes() []string {
	return append([]string(nil), s.order...)
}

// Default is the built-in retail banking schema used when no model list is
// configured.
func Default() Set {
	return NewSet(
		[]Product{
			{
				Type:        "CurrentAccount",
				Title:       "Current Account",
				Forms:       []string{"AboutYou", "YourMoney", "LicenseVerification"},
				Certificate: "CurrentAccountConfirmation",
				CertificateProperties: []string{
					"firstName", "lastName", "dateOfBirth", "accountPurpose", "monthlyIncome",
				},
			},
			{
				Type:        "BusinessAccount",
				Title:       "Business Account",
				Forms:       []string{"AboutYou", "BusinessInformation", "OwnershipStructure"},
				Certificate: "BusinessAccountConfirmation",
				CertificateProperties: []string{
					"firstName", "lastName", "companyName", "registrationNumber",
				},
			},
		},
		[]Form{
			{
				Type:       "AboutYou",
				Title:      "About You",
				Properties: []string{"firstName", "lastName", "dateOfBirth", "nationality"},
				Rules: []Rule{
					{Field: "firstName", Expr: `firstName != ''`, Message: "first name is required"},
					{Field: "lastName", Expr: `lastName != ''`, Message: "last name is required"},
				},
			},
			{
				Type:       "YourMoney",
				Title:      "Your Money",
				Properties: []string{"monthlyIncome", "accountPurpose"},
				Rules: []Rule{
					{Field: "monthlyIncome", Expr: `monthlyIncome >= 0`, Message: "monthly income must not be negative"},
				},
			},
			{
				Type:       "LicenseVerification",
				Title:      "License Verification",
				Properties: []string{"licenseNumber", "issuingCountry"},
			},
			{
				Type:       "BusinessInformation",
				Title:      "Business Information",
				Properties: []string{"companyName", "registrationNumber"},
			},
			{
				Type:       "OwnershipStructure",
				Title:      "Ownership Structure",
				Properties: []string{"ownerName", "sharePercent"},
				MultiEntry: true,
			},
		},
	)
}
