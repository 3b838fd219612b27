package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/glimte/mmate-edge/contracts"
	"github.com/glimte/mmate-edge/internal/reliability"
	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	TransportMQTT = "mqtt"
	TransportAMQP = "amqp"

	redacted = "****"
)

// ErrInvalidSettings is returned when the environment does not describe a usable agent
var ErrInvalidSettings = errors.New("config: invalid settings")

type (
	// Settings is the complete agent configuration, read from the environment
	Settings struct {
		SiteID     string     `envconfig:"SITE_ID" required:"true" validate:"required,excludesall=/+#" json:"site_id"`
		Transport  string     `envconfig:"TRANSPORT" default:"mqtt" validate:"oneof=mqtt amqp" json:"transport"`
		MQTT       MQTT       `json:"mqtt"`
		AMQP       AMQP       `json:"amqp"`
		Downstream Downstream `json:"downstream"`
		Agent      Agent      `json:"agent"`
		Cache      Cache      `json:"cache"`
		Admin      Admin      `json:"admin"`
		Logging    Logging    `json:"logging"`
	}

	MQTT struct {
		Host             string        `envconfig:"MQTT_HOST" json:"host"`
		Port             int           `envconfig:"MQTT_PORT" default:"8883" validate:"min=1,max=65535" json:"port"`
		TLS              bool          `envconfig:"MQTT_TLS" default:"true" json:"tls"`
		Username         string        `envconfig:"MQTT_USERNAME" json:"username,omitempty"`
		Password         string        `envconfig:"MQTT_PASSWORD" json:"password,omitempty"`
		CA               string        `envconfig:"MQTT_CA" json:"ca,omitempty"`
		Cert             string        `envconfig:"MQTT_CERT" validate:"required_with=Key" json:"cert,omitempty"`
		Key              string        `envconfig:"MQTT_KEY" validate:"required_with=Cert" json:"key,omitempty"`
		KeepAliveSec     int           `envconfig:"MQTT_KEEPALIVE" default:"60" validate:"min=1" json:"keepalive_sec"`
		CleanSession     bool          `envconfig:"MQTT_CLEAN_SESSION" default:"false" json:"clean_session"`
		ClientID         string        `envconfig:"MQTT_CLIENT_ID" json:"client_id,omitempty"`
		CommandTopic     string        `envconfig:"MQTT_COMMAND_TOPIC" json:"command_topic,omitempty"`
		ResponseTopic    string        `envconfig:"MQTT_RESPONSE_TOPIC" json:"response_topic,omitempty"`
		StatusTopic      string        `envconfig:"MQTT_STATUS_TOPIC" json:"status_topic,omitempty"`
		DataTopic        string        `envconfig:"MQTT_DATA_TOPIC" json:"data_topic,omitempty"`
		ReconnectInitial time.Duration `envconfig:"MQTT_RECONNECT_INITIAL" default:"1s" validate:"gt=0" json:"reconnect_initial"`
		ReconnectMax     time.Duration `envconfig:"MQTT_RECONNECT_MAX" default:"2m" validate:"gtefield=ReconnectInitial" json:"reconnect_max"`
	}

	AMQP struct {
		URL string `envconfig:"AMQP_URL" validate:"omitempty,url" json:"url,omitempty"`
	}

	Downstream struct {
		BaseURL          string `envconfig:"OH_BASE_URL" default:"http://localhost:8080" validate:"required,url" json:"base_url"`
		Token            string `envconfig:"OH_TOKEN" json:"token,omitempty"`
		TimeoutSec       int    `envconfig:"OH_TIMEOUT_SEC" default:"10" validate:"gt=0" json:"timeout_sec"`
		BreakerThreshold int    `envconfig:"OH_BREAKER_THRESHOLD" default:"0" validate:"gte=0" json:"breaker_threshold"`
	}

	Agent struct {
		TelemetryIntervalSec int `envconfig:"TELEMETRY_INTERVAL_SEC" default:"60" validate:"gte=0" json:"telemetry_interval_sec"`
		HeartbeatIntervalSec int `envconfig:"HEARTBEAT_INTERVAL_SEC" default:"30" validate:"gte=0" json:"heartbeat_interval_sec"`
		Workers              int `envconfig:"COMMAND_WORKERS" default:"1" validate:"min=1,max=64" json:"workers"`
	}

	Cache struct {
		TTLSec int `envconfig:"CACHE_TTL_SEC" default:"300" validate:"gte=0" json:"ttl_sec"`
		Size   int `envconfig:"CACHE_SIZE" default:"1000" validate:"gte=0" json:"size"`
	}

	Admin struct {
		Addr string `envconfig:"ADMIN_ADDR" validate:"omitempty,hostname_port" json:"addr,omitempty"`
	}

	Logging struct {
		Level  string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error" json:"level"`
		Format string `envconfig:"LOG_FORMAT" default:"json" validate:"oneof=json text" json:"format"`
	}
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("envconfig"); name != "" {
			return name
		}
		return f.Name
	})
	v.RegisterStructValidation(validateTransport, Settings{})
	return v
}

// validateTransport requires the broker address of the selected transport
func validateTransport(sl validator.StructLevel) {
	s := sl.Current().Interface().(Settings)
	switch s.Transport {
	case TransportMQTT:
		if strings.TrimSpace(s.MQTT.Host) == "" {
			sl.ReportError(s.MQTT.Host, "MQTT_HOST", "Host", "required_for_mqtt", "")
		}
	case TransportAMQP:
		if s.AMQP.URL == "" {
			sl.ReportError(s.AMQP.URL, "AMQP_URL", "URL", "required_for_amqp", "")
		}
	}
}

// Load reads Settings from the environment and validates them
func Load() (*Settings, error) {
	s := &Settings{}
	if err := envconfig.Process("", s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	s.Logging.Level = strings.ToLower(s.Logging.Level)
	s.Logging.Format = strings.ToLower(s.Logging.Format)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks field constraints and cross-field rules
func (s *Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msg := fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", ErrInvalidSettings, strings.Join(msgs, "; "))
}

// Topics returns the site's default topics with any configured overrides applied
func (s *Settings) Topics() contracts.Topics {
	return contracts.DefaultTopics(s.SiteID).WithOverrides(
		s.MQTT.CommandTopic,
		s.MQTT.ResponseTopic,
		s.MQTT.StatusTopic,
		s.MQTT.DataTopic,
	)
}

// ClientID returns the broker client id, defaulting to the site id
func (s *Settings) ClientID() string {
	if id := strings.TrimSpace(s.MQTT.ClientID); id != "" {
		return id
	}
	return s.SiteID
}

func (s *Settings) KeepAlive() time.Duration {
	return time.Duration(s.MQTT.KeepAliveSec) * time.Second
}

func (s *Settings) DownstreamTimeout() time.Duration {
	return time.Duration(s.Downstream.TimeoutSec) * time.Second
}

func (s *Settings) TelemetryInterval() time.Duration {
	return time.Duration(s.Agent.TelemetryIntervalSec) * time.Second
}

func (s *Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.Agent.HeartbeatIntervalSec) * time.Second
}

func (s *Settings) CacheTTL() time.Duration {
	return time.Duration(s.Cache.TTLSec) * time.Second
}

// CacheEnabled reports whether both TTL and size allow caching
func (s *Settings) CacheEnabled() bool {
	return s.Cache.TTLSec > 0 && s.Cache.Size > 0
}

// ReconnectBackoff returns the unlimited, jittered reconnect policy
func (s *Settings) ReconnectBackoff() *reliability.ExponentialBackoff {
	return reliability.NewExponentialBackoff(s.MQTT.ReconnectInitial, s.MQTT.ReconnectMax, 2.0, 0)
}

// Redacted returns a copy safe to print: secrets are masked and URL
// credentials removed
func (s Settings) Redacted() Settings {
	mask := func(v string) string {
		if v == "" {
			return ""
		}
		return redacted
	}
	s.MQTT.Password = mask(s.MQTT.Password)
	s.Downstream.Token = mask(s.Downstream.Token)
	if u, err := url.Parse(s.AMQP.URL); err == nil && u.User != nil {
		s.AMQP.URL = u.Redacted()
	} else if err != nil {
		s.AMQP.URL = mask(s.AMQP.URL)
	}
	return s
}
