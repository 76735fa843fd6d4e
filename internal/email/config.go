package email

import (
	"fmt"
	"strings"

	"PulseDispatch/internal/models"
)

// ServerConfig is either a ServiceConfig or a CustomConfig.
type ServerConfig interface {
	endpoint() (Endpoint, error)
}

// ServiceConfig names a well-known provider.
type ServiceConfig struct {
	Name string
}

// CustomConfig addresses an SMTP server directly.
type CustomConfig struct {
	Host   string
	Port   int
	Secure bool
}

// Endpoint is the resolved server address.
type Endpoint struct {
	Host string
	Port int
	// SSL selects implicit TLS; otherwise STARTTLS is used when offered.
	SSL bool
}

var knownServices = map[string]Endpoint{
	"gmail":     {Host: "smtp.gmail.com", Port: 465, SSL: true},
	"outlook":   {Host: "smtp-mail.outlook.com", Port: 587},
	"hotmail":   {Host: "smtp-mail.outlook.com", Port: 587},
	"office365": {Host: "smtp.office365.com", Port: 587},
	"yahoo":     {Host: "smtp.mail.yahoo.com", Port: 465, SSL: true},
	"sendgrid":  {Host: "smtp.sendgrid.net", Port: 587},
	"mailgun":   {Host: "smtp.mailgun.org", Port: 465, SSL: true},
	"postmark":  {Host: "smtp.postmarkapp.com", Port: 2525},
	"ses":       {Host: "email-smtp.us-east-1.amazonaws.com", Port: 465, SSL: true},
	"zoho":      {Host: "smtp.zoho.com", Port: 465, SSL: true},
}

func (c ServiceConfig) endpoint() (Endpoint, error) {
	ep, ok := knownServices[strings.ToLower(strings.TrimSpace(c.Name))]
	if !ok {
		return Endpoint{}, fmt.Errorf("unknown smtp service %q", c.Name)
	}
	return ep, nil
}

func (c CustomConfig) endpoint() (Endpoint, error) {
	if strings.TrimSpace(c.Host) == "" {
		return Endpoint{}, fmt.Errorf("smtp host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return Endpoint{}, fmt.Errorf("smtp port %d out of range", c.Port)
	}
	return Endpoint{Host: c.Host, Port: c.Port, SSL: c.Secure || c.Port == 465}, nil
}

// ServerConfigFrom picks the config variant for a settings document. A known
// service name wins over host and port.
func ServerConfigFrom(s *models.SMTPSettings) ServerConfig {
	if name := strings.TrimSpace(s.Service); name != "" {
		if _, ok := knownServices[strings.ToLower(name)]; ok || s.Host == "" {
			return ServiceConfig{Name: name}
		}
	}
	return CustomConfig{Host: s.Host, Port: s.Port, Secure: s.Secure}
}

// ResolveEndpoint turns settings into a dialable endpoint.
func ResolveEndpoint(s *models.SMTPSettings) (Endpoint, error) {
	return ServerConfigFrom(s).endpoint()
}
