package gateway

import "github.com/nexusai/chgate/internal/core"

// Wire shapes of the Companies House REST API. Only the fields the gateway
// projects are declared.

type searchResponse struct {
	TotalResults int          `json:"total_results"`
	ItemsPerPage int          `json:"items_per_page"`
	StartIndex   int          `json:"start_index"`
	Items        []searchItem `json:"items"`
}

type searchItem struct {
	CompanyNumber  string       `json:"company_number"`
	Title          string       `json:"title"`
	CompanyStatus  string       `json:"company_status"`
	CompanyType    string       `json:"company_type"`
	DateOfCreation string       `json:"date_of_creation"`
	AddressSnippet string       `json:"address_snippet"`
	Address        core.Address `json:"address"`
}

type profileResponse struct {
	CompanyNumber           string       `json:"company_number"`
	CompanyName             string       `json:"company_name"`
	CompanyStatus           string       `json:"company_status"`
	Type                    string       `json:"type"`
	Jurisdiction            string       `json:"jurisdiction"`
	DateOfCreation          string       `json:"date_of_creation"`
	DateOfCessation         string       `json:"date_of_cessation"`
	RegisteredOfficeAddress core.Address `json:"registered_office_address"`
	SICCodes                []string     `json:"sic_codes"`
	HasCharges              bool         `json:"has_charges"`
	HasInsolvencyHistory    bool         `json:"has_insolvency_history"`
	Accounts                struct {
		NextDue      string `json:"next_due"`
		LastAccounts struct {
			MadeUpTo string `json:"made_up_to"`
		} `json:"last_accounts"`
	} `json:"accounts"`
	ConfirmationStatement struct {
		NextDue string `json:"next_due"`
	} `json:"confirmation_statement"`
}

type officersResponse struct {
	TotalResults int           `json:"total_results"`
	ItemsPerPage int           `json:"items_per_page"`
	StartIndex   int           `json:"start_index"`
	Items        []officerItem `json:"items"`
}

type officerItem struct {
	Name               string       `json:"name"`
	OfficerRole        string       `json:"officer_role"`
	AppointedOn        string       `json:"appointed_on"`
	ResignedOn         string       `json:"resigned_on"`
	Nationality        string       `json:"nationality"`
	Occupation         string       `json:"occupation"`
	CountryOfResidence string       `json:"country_of_residence"`
	Address            core.Address `json:"address"`
	DateOfBirth        *struct {
		Month int `json:"month"`
		Year  int `json:"year"`
	} `json:"date_of_birth"`
}

type pscResponse struct {
	TotalResults int       `json:"total_results"`
	ItemsPerPage int       `json:"items_per_page"`
	StartIndex   int       `json:"start_index"`
	Items        []pscItem `json:"items"`
}

type pscItem struct {
	Name               string       `json:"name"`
	Kind               string       `json:"kind"`
	NaturesOfControl   []string     `json:"natures_of_control"`
	NotifiedOn         string       `json:"notified_on"`
	CeasedOn           string       `json:"ceased_on"`
	Nationality        string       `json:"nationality"`
	CountryOfResidence string       `json:"country_of_residence"`
	Address            core.Address `json:"address"`
}

func (r searchResponse) toPage(query string, page, itemsPerPage int, prov core.Provenance) *core.SearchResultPage {
	out := &core.SearchResultPage{
		Query:        query,
		Page:         page,
		ItemsPerPage: itemsPerPage,
		StartIndex:   startIndex(page, itemsPerPage),
		TotalResults: r.TotalResults,
		Items:        make([]core.SearchItem, 0, len(r.Items)),
		Provenance:   prov,
	}
	for _, item := range r.Items {
		out.Items = append(out.Items, core.SearchItem{
			CompanyNumber:  item.CompanyNumber,
			Title:          item.Title,
			CompanyStatus:  item.CompanyStatus,
			CompanyType:    item.CompanyType,
			DateOfCreation: item.DateOfCreation,
			AddressSnippet: item.AddressSnippet,
			Address:        item.Address,
		})
	}
	return out
}

func (r profileResponse) toProfile(number string, prov core.Provenance) *core.CompanyProfile {
	companyNumber := r.CompanyNumber
	if companyNumber == "" {
		companyNumber = number
	}
	return &core.CompanyProfile{
		CompanyNumber:            companyNumber,
		CompanyName:              r.CompanyName,
		CompanyStatus:            r.CompanyStatus,
		CompanyType:              r.Type,
		Jurisdiction:             r.Jurisdiction,
		DateOfCreation:           r.DateOfCreation,
		DateOfCessation:          r.DateOfCessation,
		RegisteredOfficeAddress:  r.RegisteredOfficeAddress,
		SICCodes:                 r.SICCodes,
		HasCharges:               r.HasCharges,
		HasInsolvencyHistory:     r.HasInsolvencyHistory,
		AccountsNextDue:          r.Accounts.NextDue,
		LastAccountsMadeUpTo:     r.Accounts.LastAccounts.MadeUpTo,
		ConfirmationStatementDue: r.ConfirmationStatement.NextDue,
		Provenance:               prov,
	}
}

func (r officersResponse) toPage(number string, page, itemsPerPage int, prov core.Provenance) *core.OfficerPage {
	out := &core.OfficerPage{
		CompanyNumber: number,
		Page:          page,
		ItemsPerPage:  itemsPerPage,
		StartIndex:    startIndex(page, itemsPerPage),
		TotalResults:  r.TotalResults,
		Items:         make([]core.OfficerRecord, 0, len(r.Items)),
		Provenance:    prov,
	}
	for _, item := range r.Items {
		record := core.OfficerRecord{
			Name:               item.Name,
			Role:               item.OfficerRole,
			AppointedOn:        item.AppointedOn,
			ResignedOn:         item.ResignedOn,
			Nationality:        item.Nationality,
			Occupation:         item.Occupation,
			CountryOfResidence: item.CountryOfResidence,
			Address:            item.Address,
		}
		if item.DateOfBirth != nil {
			record.BirthMonth = item.DateOfBirth.Month
			record.BirthYear = item.DateOfBirth.Year
		}
		if record.Active() {
			out.ActiveCount++
		} else {
			out.ResignedCount++
		}
		out.Items = append(out.Items, record)
	}
	return out
}

func (r pscResponse) toPage(number string, page, itemsPerPage int, prov core.Provenance) *core.PSCPage {
	out := &core.PSCPage{
		CompanyNumber: number,
		Page:          page,
		ItemsPerPage:  itemsPerPage,
		StartIndex:    startIndex(page, itemsPerPage),
		TotalResults:  r.TotalResults,
		Items:         make([]core.PSCRecord, 0, len(r.Items)),
		Provenance:    prov,
	}
	for _, item := range r.Items {
		record := core.PSCRecord{
			Name:               item.Name,
			Kind:               item.Kind,
			NaturesOfControl:   item.NaturesOfControl,
			NotifiedOn:         item.NotifiedOn,
			CeasedOn:           item.CeasedOn,
			Nationality:        item.Nationality,
			CountryOfResidence: item.CountryOfResidence,
			Address:            item.Address,
		}
		if record.Active() {
			out.ActiveCount++
		} else {
			out.CeasedCount++
		}
		out.Items = append(out.Items, record)
	}
	return out
}
