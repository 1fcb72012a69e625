package core

// Address is a postal address as recorded by the registry.
type Address struct {
	Premises     string `json:"premises,omitempty"`
	AddressLine1 string `json:"address_line_1,omitempty"`
	AddressLine2 string `json:"address_line_2,omitempty"`
	Locality     string `json:"locality,omitempty"`
	Region       string `json:"region,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
}

// SearchItem is one company in a search result page.
type SearchItem struct {
	CompanyNumber  string  `json:"company_number"`
	Title          string  `json:"title"`
	CompanyStatus  string  `json:"company_status,omitempty"`
	CompanyType    string  `json:"company_type,omitempty"`
	DateOfCreation string  `json:"date_of_creation,omitempty"`
	AddressSnippet string  `json:"address_snippet,omitempty"`
	Address        Address `json:"address"`
}

// SearchResultPage is one page of company search results.
type SearchResultPage struct {
	Query        string       `json:"query"`
	Page         int          `json:"page"`
	ItemsPerPage int          `json:"items_per_page"`
	StartIndex   int          `json:"start_index"`
	TotalResults int          `json:"total_results"`
	Items        []SearchItem `json:"items"`
	Provenance   Provenance   `json:"provenance"`
}

// CompanyProfile is the registry record for a single company.
type CompanyProfile struct {
	CompanyNumber            string     `json:"company_number"`
	CompanyName              string     `json:"company_name"`
	CompanyStatus            string     `json:"company_status,omitempty"`
	CompanyType              string     `json:"type,omitempty"`
	Jurisdiction             string     `json:"jurisdiction,omitempty"`
	DateOfCreation           string     `json:"date_of_creation,omitempty"`
	DateOfCessation          string     `json:"date_of_cessation,omitempty"`
	RegisteredOfficeAddress  Address    `json:"registered_office_address"`
	SICCodes                 []string   `json:"sic_codes,omitempty"`
	HasCharges               bool       `json:"has_charges"`
	HasInsolvencyHistory     bool       `json:"has_insolvency_history"`
	AccountsNextDue          string     `json:"accounts_next_due,omitempty"`
	LastAccountsMadeUpTo     string     `json:"last_accounts_made_up_to,omitempty"`
	ConfirmationStatementDue string     `json:"confirmation_statement_next_due,omitempty"`
	Provenance               Provenance `json:"provenance"`
}

// OfficerRecord is one director, secretary or other appointment.
type OfficerRecord struct {
	Name               string  `json:"name"`
	Role               string  `json:"officer_role"`
	AppointedOn        string  `json:"appointed_on,omitempty"`
	ResignedOn         string  `json:"resigned_on,omitempty"`
	Nationality        string  `json:"nationality,omitempty"`
	Occupation         string  `json:"occupation,omitempty"`
	CountryOfResidence string  `json:"country_of_residence,omitempty"`
	BirthMonth         int     `json:"birth_month,omitempty"`
	BirthYear          int     `json:"birth_year,omitempty"`
	Address            Address `json:"address"`
}

// Active reports whether the appointment is current.
func (o OfficerRecord) Active() bool {
	return o.ResignedOn == ""
}

// OfficerPage is one page of officer appointments with derived counts.
type OfficerPage struct {
	CompanyNumber string          `json:"company_number"`
	Page          int             `json:"page"`
	ItemsPerPage  int             `json:"items_per_page"`
	StartIndex    int             `json:"start_index"`
	TotalResults  int             `json:"total_results"`
	ActiveCount   int             `json:"active_count"`
	ResignedCount int             `json:"resigned_count"`
	Items         []OfficerRecord `json:"items"`
	Provenance    Provenance      `json:"provenance"`
}

// PSCRecord is a person (or entity) with significant control.
type PSCRecord struct {
	Name               string   `json:"name"`
	Kind               string   `json:"kind"`
	NaturesOfControl   []string `json:"natures_of_control,omitempty"`
	NotifiedOn         string   `json:"notified_on,omitempty"`
	CeasedOn           string   `json:"ceased_on,omitempty"`
	Nationality        string   `json:"nationality,omitempty"`
	CountryOfResidence string   `json:"country_of_residence,omitempty"`
	Address            Address  `json:"address"`
}

// Active reports whether the control is current.
func (p PSCRecord) Active() bool {
	return p.CeasedOn == ""
}

// PSCPage is one page of PSC records. Absent is set when the registry holds
// no PSC register for the company.
type PSCPage struct {
	CompanyNumber string      `json:"company_number"`
	Page          int         `json:"page"`
	ItemsPerPage  int         `json:"items_per_page"`
	StartIndex    int         `json:"start_index"`
	TotalResults  int         `json:"total_results"`
	ActiveCount   int         `json:"active_count"`
	CeasedCount   int         `json:"ceased_count"`
	Absent        bool        `json:"absent"`
	Items         []PSCRecord `json:"items"`
	Provenance    Provenance  `json:"provenance"`
}
