// Package cnpj looks up Brazilian company registration data by CNPJ, used to
// prefill the invoice issuer form.
package cnpj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// ErrNotFound means the registry has no record for the CNPJ.
var ErrNotFound = errors.New("cnpj not found")

var digitsOnly = regexp.MustCompile(`\D`)

// CompanyInfo is the subset of registry data the portal uses.
type CompanyInfo struct {
	CNPJ         string `json:"cnpj"`
	RazaoSocial  string `json:"razao_social"`
	NomeFantasia string `json:"nome_fantasia,omitempty"`
	Email        string `json:"email,omitempty"`
	Endereco     string `json:"endereco,omitempty"`
	Municipio    string `json:"municipio,omitempty"`
	UF           string `json:"uf,omitempty"`
	CEP          string `json:"cep,omitempty"`
}

// Client queries the CNPJá registry API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a registry client. baseURL defaults to the public API
// when empty; apiKey may be empty on the open tier.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "https://open.cnpja.com"
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Lookup fetches registration data for the CNPJ. Formatting characters in
// the input are ignored.
func (c *Client) Lookup(ctx context.Context, cnpj string) (CompanyInfo, error) {
	cnpj = digitsOnly.ReplaceAllString(cnpj, "")
	if len(cnpj) != 14 {
		return CompanyInfo{}, fmt.Errorf("cnpj must have 14 digits, got %d", len(cnpj))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/office/"+cnpj, nil)
	if err != nil {
		return CompanyInfo{}, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return CompanyInfo{}, fmt.Errorf("cnpj lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return CompanyInfo{}, ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return CompanyInfo{}, fmt.Errorf("cnpj lookup: registry returned %s", resp.Status)
	}

	var office officeResponse
	if err := json.NewDecoder(resp.Body).Decode(&office); err != nil {
		return CompanyInfo{}, fmt.Errorf("cnpj lookup decode: %w", err)
	}

	info := CompanyInfo{
		CNPJ:         cnpj,
		RazaoSocial:  office.Company.Name,
		NomeFantasia: office.Alias,
		Municipio:    office.Address.City,
		UF:           office.Address.State,
		CEP:          office.Address.Zip,
	}
	if office.Address.Street != "" {
		info.Endereco = office.Address.Street
		if office.Address.Number != "" {
			info.Endereco += ", " + office.Address.Number
		}
	}
	if len(office.Emails) > 0 {
		info.Email = office.Emails[0].Address
	}
	return info, nil
}

// Registry response shape, trimmed to the fields used.

type officeResponse struct {
	Alias   string `json:"alias"`
	Company struct {
		Name string `json:"name"`
	} `json:"company"`
	Address struct {
		Street string `json:"street"`
		Number string `json:"number"`
		City   string `json:"city"`
		State  string `json:"state"`
		Zip    string `json:"zip"`
	} `json:"address"`
	Emails []struct {
		Address string `json:"address"`
	} `json:"emails"`
}
