// Package namecheap implements the registrar client over Namecheap's XML API.
// No Go client for this API appears anywhere in our stack, so requests are
// issued directly; every command is keyed by the SLD/TLD split of the domain.
package namecheap

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
)

const providerName = "namecheap"

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://api.namecheap.com/xml.response"

// Client talks to the Namecheap XML API for one account.
type Client struct {
	baseURL  string
	apiUser  string
	apiKey   string
	clientIP string
	http     *http.Client
	log      *slog.Logger
}

// New builds a registrar client. Namecheap authenticates every call with the
// api user, key and an allow-listed client IP.
func New(baseURL, apiUser, apiKey, clientIP string, timeout time.Duration, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		apiUser:  apiUser,
		apiKey:   apiKey,
		clientIP: clientIP,
		http:     &http.Client{Timeout: timeout},
		log:      log.With("provider", providerName),
	}
}

type apiResponse struct {
	XMLName xml.Name `xml:"ApiResponse"`
	Status  string   `xml:"Status,attr"`
	Errors  struct {
		Error []struct {
			Number  string `xml:"Number,attr"`
			Message string `xml:",chardata"`
		} `xml:"Error"`
	} `xml:"Errors"`
	CommandResponse struct {
		DNSSetCustom struct {
			Domain  string `xml:"Domain,attr"`
			Updated bool   `xml:"Updated,attr"`
		} `xml:"DomainDNSSetCustomResult"`
		DNSGetList struct {
			Domain      string   `xml:"Domain,attr"`
			UsingOurDNS bool     `xml:"IsUsingOurDNS,attr"`
			Nameservers []string `xml:"Nameserver"`
		} `xml:"DomainDNSGetListResult"`
	} `xml:"CommandResponse"`
}

// CheckCredentials verifies the api user/key/IP triple with a cheap list call.
func (c *Client) CheckCredentials(ctx context.Context) error {
	params := url.Values{}
	params.Set("PageSize", "10")
	_, err := c.call(ctx, "namecheap.domains.getList", params)
	return err
}

// GetNameservers returns the nameservers currently set for a domain.
func (c *Client) GetNameservers(ctx context.Context, domainName string) ([]string, error) {
	sld, tld, err := splitDomain(domainName)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("SLD", sld)
	params.Set("TLD", tld)
	resp, err := c.call(ctx, "namecheap.domains.dns.getList", params)
	if err != nil {
		return nil, err
	}
	return resp.CommandResponse.DNSGetList.Nameservers, nil
}

// SetNameservers points a domain at custom nameservers.
func (c *Client) SetNameservers(ctx context.Context, domainName string, nameservers []string) error {
	if len(nameservers) == 0 {
		return &provider.Error{
			Provider: providerName,
			Kind:     provider.KindPermanent,
			Code:     "empty_nameservers",
			Message:  "at least one nameserver is required",
		}
	}
	sld, tld, err := splitDomain(domainName)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("SLD", sld)
	params.Set("TLD", tld)
	params.Set("Nameservers", strings.Join(nameservers, ","))
	resp, err := c.call(ctx, "namecheap.domains.dns.setCustom", params)
	if err != nil {
		return err
	}
	if !resp.CommandResponse.DNSSetCustom.Updated {
		return &provider.Error{
			Provider: providerName,
			Kind:     provider.KindPermanent,
			Code:     "not_updated",
			Message:  fmt.Sprintf("registrar did not apply nameservers for %s", domainName),
		}
	}
	return nil
}

func (c *Client) call(ctx context.Context, command string, params url.Values) (*apiResponse, error) {
	params.Set("ApiUser", c.apiUser)
	params.Set("UserName", c.apiUser)
	params.Set("ApiKey", c.apiKey)
	params.Set("ClientIp", c.clientIP)
	params.Set("Command", command)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, provider.Wrap(providerName, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.Wrap(providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.Wrap(providerName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, provider.FromHTTP(providerName, resp.StatusCode, body)
	}

	var parsed apiResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, &provider.Error{
			Provider: providerName,
			Kind:     provider.KindPermanent,
			Code:     "bad_xml",
			Message:  "unparseable registrar response",
			Detail:   err.Error(),
		}
	}
	if !strings.EqualFold(parsed.Status, "OK") {
		e := &provider.Error{
			Provider: providerName,
			Kind:     provider.KindPermanent,
			Code:     "api_error",
			Message:  fmt.Sprintf("command %s failed", command),
		}
		var details []string
		for _, apiErr := range parsed.Errors.Error {
			details = append(details, fmt.Sprintf("[%s] %s", apiErr.Number, strings.TrimSpace(apiErr.Message)))
			// Authentication failures carry 10110xx error numbers.
			if strings.HasPrefix(apiErr.Number, "10110") {
				e.Kind = provider.KindAuth
			}
		}
		e.Detail = strings.Join(details, "; ")
		return nil, e
	}
	return &parsed, nil
}

// splitDomain separates a domain name into its SLD and TLD components, the
// addressing scheme the registrar API requires. Multi-label TLDs (co.uk) keep
// everything after the first dot.
func splitDomain(name string) (string, string, error) {
	parts := strings.SplitN(strings.TrimSpace(strings.ToLower(name)), ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &provider.Error{
			Provider: providerName,
			Kind:     provider.KindPermanent,
			Code:     "bad_domain",
			Message:  fmt.Sprintf("cannot split %q into SLD and TLD", name),
		}
	}
	return parts[0], parts[1], nil
}
