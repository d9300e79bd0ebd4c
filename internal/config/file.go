package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DialPlanConfig holds the configurable dial-pattern regexes consumed by the
// dial-plan router (spec.md §4.6).
type DialPlanConfig struct {
	InternalPattern   string `yaml:"internal_pattern"`
	ConferencePattern string `yaml:"conference_pattern"`
	VoicemailPattern  string `yaml:"voicemail_pattern"`
	ParkingPattern    string `yaml:"parking_pattern"`
	PagingPrefix      string `yaml:"paging_prefix"`
	EmergencyNumbers  []string `yaml:"emergency_numbers"`

	// CodecProfiles maps a case-insensitive substring of the INVITE's
	// User-Agent header to the restricted codec name list that should be
	// offered to phones matching that profile (spec.md §4.1).
	CodecProfiles []CodecProfile `yaml:"codec_profiles"`
}

// CodecProfile restricts the offered codec list for phones whose User-Agent
// header contains Match.
type CodecProfile struct {
	Match  string   `yaml:"match"`
	Codecs []string `yaml:"codecs"`
}

// VoicemailConfig configures the voicemail collaborator.
type VoicemailConfig struct {
	NoAnswerTimeoutSeconds int    `yaml:"no_answer_timeout"`
	StoragePath            string `yaml:"storage_path"`
}

// DNSSRVFailoverConfig tunes trunk DNS-SRV failover (spec.md §4.10).
type DNSSRVFailoverConfig struct {
	Enabled       bool `yaml:"enabled"`
	CheckInterval int  `yaml:"check_interval"`
	MaxFailures   int  `yaml:"max_failures"`
}

// featuresYAML mirrors the YAML `features` section shape; Load flattens
// `dtmf.payload_type` into FileSettings.DTMFPayloadType for callers' convenience.
type featuresYAML struct {
	DTMF struct {
		PayloadType int `yaml:"payload_type"`
	} `yaml:"dtmf"`
	DNSSRVFailover DNSSRVFailoverConfig `yaml:"dns_srv_failover"`
}

// StaticExtension is a statically-provisioned extension definition from the
// YAML file's `extensions[]` section.
type StaticExtension struct {
	Number        string `yaml:"number"`
	Name          string `yaml:"name"`
	Password      string `yaml:"password"`
	VoicemailPIN  string `yaml:"voicemail_pin"`
	Email         string `yaml:"email"`
	AllowExternal bool   `yaml:"allow_external"`
	IsAdmin       bool   `yaml:"is_admin"`
}

// fileConfig is the root shape of the YAML configuration file.
type fileConfig struct {
	Server struct {
		SIPHost           string `yaml:"sip_host"`
		SIPPort           int    `yaml:"sip_port"`
		RTPPortRangeStart int    `yaml:"rtp_port_range_start"`
		RTPPortRangeEnd   int    `yaml:"rtp_port_range_end"`
		ExternalIP        string `yaml:"external_ip"`
	} `yaml:"server"`

	DialPlan  DialPlanConfig  `yaml:"dialplan"`
	Voicemail VoicemailConfig `yaml:"voicemail"`
	Features  featuresYAML    `yaml:"features"`

	// Database, API, Security, and Logging sections are collaborator
	// configuration the core treats opaquely (spec.md §6); kept as raw maps
	// so unrecognized collaborator keys round-trip without validation here.
	Database map[string]any `yaml:"database"`
	API      map[string]any `yaml:"api"`
	Security map[string]any `yaml:"security"`
	Logging  map[string]any `yaml:"logging"`

	Extensions []StaticExtension `yaml:"extensions"`
}

// FileSettings is the subset of the YAML file that does not already have a
// flag/env-backed counterpart in Config, exposed for components (dial-plan
// router, voicemail collaborator, DNS-SRV resolver) to consume directly.
type FileSettings struct {
	DialPlan        DialPlanConfig
	Voicemail       VoicemailConfig
	DTMFPayloadType int
	DNSSRVFailover  DNSSRVFailoverConfig
	Extensions      []StaticExtension
}

// defaultDTMFPayloadType is RFC 2833's conventional default dynamic PT.
const defaultDTMFPayloadType = 101

func defaultFileSettings() FileSettings {
	return FileSettings{
		DialPlan: DialPlanConfig{
			InternalPattern:   `^1\d{3}$`,
			ConferencePattern: `^2\d{3}$`,
			VoicemailPattern:  `^\*\d{3}$`,
			ParkingPattern:    `^\*7\d{1}$`,
			PagingPrefix:      "7",
			EmergencyNumbers:  []string{"911", "112"},
			CodecProfiles: []CodecProfile{
				{Match: "ZIP37G", Codecs: []string{"PCMU", "PCMA"}},
				{Match: "ZIP33G", Codecs: []string{"G726-32", "G729", "G722", "G726-40", "G726-24", "G726-16"}},
			},
		},
		Voicemail: VoicemailConfig{
			NoAnswerTimeoutSeconds: 30,
			StoragePath:            "./data/voicemail",
		},
		DTMFPayloadType: defaultDTMFPayloadType,
		DNSSRVFailover: DNSSRVFailoverConfig{
			Enabled:       false,
			CheckInterval: 60,
			MaxFailures:   3,
		},
	}
}

// loadFileSettings reads the YAML config file at path, if non-empty, and
// overlays it on top of the compiled defaults. A missing path is not an
// error: the caller simply gets defaults. This layer sits beneath CLI
// flags and env vars for the fields Config itself also covers (server.*);
// the flag/env overrides for those are applied afterwards by Load.
func loadFileSettings(path string) (FileSettings, *fileConfig, error) {
	settings := defaultFileSettings()

	if path == "" {
		return settings, nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return settings, nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if fc.DialPlan.InternalPattern != "" {
		settings.DialPlan.InternalPattern = fc.DialPlan.InternalPattern
	}
	if fc.DialPlan.ConferencePattern != "" {
		settings.DialPlan.ConferencePattern = fc.DialPlan.ConferencePattern
	}
	if fc.DialPlan.VoicemailPattern != "" {
		settings.DialPlan.VoicemailPattern = fc.DialPlan.VoicemailPattern
	}
	if fc.DialPlan.ParkingPattern != "" {
		settings.DialPlan.ParkingPattern = fc.DialPlan.ParkingPattern
	}
	if fc.DialPlan.PagingPrefix != "" {
		settings.DialPlan.PagingPrefix = fc.DialPlan.PagingPrefix
	}
	if len(fc.DialPlan.EmergencyNumbers) > 0 {
		settings.DialPlan.EmergencyNumbers = fc.DialPlan.EmergencyNumbers
	}
	if fc.DialPlan.CodecProfiles != nil {
		settings.DialPlan.CodecProfiles = fc.DialPlan.CodecProfiles
	}

	if fc.Voicemail.NoAnswerTimeoutSeconds > 0 {
		settings.Voicemail.NoAnswerTimeoutSeconds = fc.Voicemail.NoAnswerTimeoutSeconds
	}
	if fc.Voicemail.StoragePath != "" {
		settings.Voicemail.StoragePath = fc.Voicemail.StoragePath
	}

	if fc.Features.DTMF.PayloadType != 0 {
		settings.DTMFPayloadType = fc.Features.DTMF.PayloadType
	}
	if fc.Features.DNSSRVFailover.MaxFailures > 0 || fc.Features.DNSSRVFailover.CheckInterval > 0 || fc.Features.DNSSRVFailover.Enabled {
		settings.DNSSRVFailover = fc.Features.DNSSRVFailover
		if settings.DNSSRVFailover.MaxFailures == 0 {
			settings.DNSSRVFailover.MaxFailures = 3
		}
		if settings.DNSSRVFailover.CheckInterval == 0 {
			settings.DNSSRVFailover.CheckInterval = 60
		}
	}

	settings.Extensions = fc.Extensions

	return settings, &fc, nil
}
