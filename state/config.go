package state

import (
	"fmt"
	"slices"
	"time"
)

// Bounded like the config file format: at most 10 entries per MAC filter
// list.
const MacFilterMax = 10

// Config is the static node configuration, assembled and validated once
// at startup and read-only to the core afterwards. Keys and units follow
// the wsrd configuration file format: trickle parameters in seconds, key
// mismatch in minutes, duty-cycle budgets in milliseconds.
type Config struct {
	NetworkName string `yaml:"network_name"`

	// Node EUI-64. All MAC traffic is sent and received under this
	// identity.
	MacAddress EUI64 `yaml:"mac_address"`

	// Paths to the PEM credentials for the EAP-TLS exchange.
	Authority   string `yaml:"authority"`
	Certificate string `yaml:"certificate"`
	Key         string `yaml:"key"`

	// FreeRADIUS refuses an empty identity, so an arbitrary default is
	// used.
	EapIdentity string `yaml:"eap_identity,omitempty"`

	// Wi-SUN FAN 1.1v09 6.3.1.1 Configuration Parameters. Trickle
	// parameters shared by the PAN discovery and advertisement
	// exchanges.
	DiscIminS int `yaml:"disc_imin,omitempty"`
	DiscImaxS int `yaml:"disc_imax,omitempty"`
	DiscK     int `yaml:"disc_k,omitempty"`

	// Oldest key age difference tolerated against the PAN's advertised
	// GTK hashes before a fresh key request is started.
	GtkMaxMismatchM int `yaml:"gtk_max_mismatch,omitempty"`

	// Group key schedule when this node acts as authenticator. Offsets
	// and lifetimes in minutes, activation as a 1/X fraction of the
	// expire offset, install threshold as a percentage of it.
	GtkExpireOffsetM      int `yaml:"gtk_expire_offset,omitempty"`
	GtkNewActivationTime  int `yaml:"gtk_new_activation_time,omitempty"`
	GtkNewInstallRequired int `yaml:"gtk_new_install_required,omitempty"`

	LgtkExpireOffsetM      int `yaml:"lgtk_expire_offset,omitempty"`
	LgtkNewActivationTime  int `yaml:"lgtk_new_activation_time,omitempty"`
	LgtkNewInstallRequired int `yaml:"lgtk_new_install_required,omitempty"`

	PmkLifetimeM int `yaml:"pmk_lifetime,omitempty"`
	PtkLifetimeM int `yaml:"ptk_lifetime,omitempty"`

	AllowedMac64 []EUI64 `yaml:"allowed_mac64,omitempty"`
	DeniedMac64  []EUI64 `yaml:"denied_mac64,omitempty"`

	// Accept DODAG configurations that predate the Wi-SUN FAN 1.1
	// profile restrictions.
	RplCompat bool `yaml:"rpl_compat"`

	// Silence from the PAN for this long means it is lost.
	PanTimeoutM int `yaml:"pan_timeout,omitempty"`

	// How long a neighbor stays barred from parent selection after a
	// failure through it. The FAN specification leaves this to local
	// policy.
	ParentDenyPeriodM int `yaml:"parent_deny_period,omitempty"`

	// Empty disables persistence: the node rejoins from scratch on
	// every start.
	StoragePrefix string `yaml:"storage_prefix,omitempty"`

	// Number of channels in the hopping sequence, for per-channel
	// duty-cycle accounting.
	ChanCount int `yaml:"chan_count,omitempty"`

	// Receiver sensitivity floor used by the parent candidacy check.
	DeviceMinSensDbm int `yaml:"device_min_sens,omitempty"`

	DutyCycle DutyCycleCfg `yaml:",inline"`

	IpcSocket string `yaml:"ipc_socket,omitempty"`

	// Mirrors the console log into a file when set.
	LogPath string `yaml:"log_path,omitempty"`

	// Network interface carrying the mesh IPv6 traffic (RPL control
	// messages, DHCPv6, neighbor discovery).
	TunDevice string `yaml:"tun_device,omitempty"`

	// UDP multicast group emulating the shared radio medium when no
	// RCP is attached. Development only.
	RadioGroup     string `yaml:"radio_group,omitempty"`
	RadioInterface string `yaml:"radio_interface,omitempty"`

	// Run the PAN authenticator role: own the group key schedule and
	// answer supplicants instead of relaying them upward.
	Authenticator bool `yaml:"authenticator,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		EapIdentity:       "Anonymous",
		DiscIminS:         15,
		DiscImaxS:         60,
		DiscK:             1,
		GtkMaxMismatchM:   64,
		RplCompat:         true,
		PanTimeoutM:       60,
		ParentDenyPeriodM: 60,
		// Wi-SUN FAN 1.1v09 6.3.1.1: 30 day GTK rotation, 90 days for
		// LGTKs, PMK and PTK lifetimes of 4 and 2 months.
		GtkExpireOffsetM:       43200,
		GtkNewActivationTime:   720,
		GtkNewInstallRequired:  80,
		LgtkExpireOffsetM:      129600,
		LgtkNewActivationTime:  180,
		LgtkNewInstallRequired: 90,
		PmkLifetimeM:           172800,
		PtkLifetimeM:           86400,
		StoragePrefix:          "/var/lib/weft/",
		ChanCount:              1,
		DeviceMinSensDbm:       -93,
		IpcSocket:              "/run/weft.sock",
		TunDevice:              "tunweft",
		RadioGroup:             "239.84.70.84:7683",
	}
}

func (c *Config) Validate() error {
	if c.NetworkName == "" {
		return fmt.Errorf("missing \"network_name\" parameter")
	}
	if len(c.NetworkName) > 32 {
		return fmt.Errorf("\"network_name\" is longer than 32 characters")
	}
	if c.MacAddress == (EUI64{}) || c.MacAddress.IsBroadcast() {
		return fmt.Errorf("missing \"mac_address\" parameter")
	}
	if c.Key == "" {
		return fmt.Errorf("missing \"key\" parameter")
	}
	if c.Certificate == "" {
		return fmt.Errorf("missing \"certificate\" parameter")
	}
	if c.Authority == "" {
		return fmt.Errorf("missing \"authority\" parameter")
	}
	if c.DiscIminS <= 0 {
		return fmt.Errorf("invalid \"disc_imin\" parameter")
	}
	if c.DiscImaxS <= 0 {
		return fmt.Errorf("invalid \"disc_imax\" parameter")
	}
	if c.DiscIminS >= c.DiscImaxS {
		return fmt.Errorf("inconsistent disc_imin and disc_imax values (disc_imin >= disc_imax)")
	}
	if c.DiscK <= 0 {
		return fmt.Errorf("invalid \"disc_k\" parameter")
	}
	if c.GtkMaxMismatchM <= 0 {
		return fmt.Errorf("invalid \"gtk_max_mismatch\" parameter")
	}
	if c.GtkExpireOffsetM < 0 || c.LgtkExpireOffsetM < 0 {
		return fmt.Errorf("invalid \"gtk_expire_offset\" parameter")
	}
	if c.GtkNewActivationTime <= 1 || c.LgtkNewActivationTime <= 1 {
		return fmt.Errorf("invalid \"gtk_new_activation_time\" parameter")
	}
	if c.GtkNewInstallRequired <= 0 || c.GtkNewInstallRequired > 100 ||
		c.LgtkNewInstallRequired <= 0 || c.LgtkNewInstallRequired > 100 {
		return fmt.Errorf("invalid \"gtk_new_install_required\" parameter")
	}
	if c.PmkLifetimeM <= 0 || c.PtkLifetimeM <= 0 {
		return fmt.Errorf("invalid \"pmk_lifetime\" parameter")
	}
	if len(c.AllowedMac64) > 0 && len(c.DeniedMac64) > 0 {
		return fmt.Errorf("allowed_mac64 and denied_mac64 are exclusive")
	}
	if len(c.AllowedMac64) > MacFilterMax {
		return fmt.Errorf("maximum number of allowed MAC addresses reached")
	}
	if len(c.DeniedMac64) > MacFilterMax {
		return fmt.Errorf("maximum number of denied MAC addresses reached")
	}
	if c.ChanCount <= 0 {
		return fmt.Errorf("invalid \"chan_count\" parameter")
	}
	if c.PanTimeoutM <= 0 {
		return fmt.Errorf("invalid \"pan_timeout\" parameter")
	}
	if c.ParentDenyPeriodM <= 0 {
		return fmt.Errorf("invalid \"parent_deny_period\" parameter")
	}
	return c.DutyCycle.Check()
}

func (c *Config) DiscImin() time.Duration {
	return time.Duration(c.DiscIminS) * time.Second
}

func (c *Config) DiscImax() time.Duration {
	return time.Duration(c.DiscImaxS) * time.Second
}

func (c *Config) GtkMaxMismatch() time.Duration {
	return time.Duration(c.GtkMaxMismatchM) * time.Minute
}

func (c *Config) GtkExpireOffset() time.Duration {
	return time.Duration(c.GtkExpireOffsetM) * time.Minute
}

func (c *Config) LgtkExpireOffset() time.Duration {
	return time.Duration(c.LgtkExpireOffsetM) * time.Minute
}

func (c *Config) PmkLifetime() time.Duration {
	return time.Duration(c.PmkLifetimeM) * time.Minute
}

func (c *Config) PtkLifetime() time.Duration {
	return time.Duration(c.PtkLifetimeM) * time.Minute
}

func (c *Config) PanTimeout() time.Duration {
	return time.Duration(c.PanTimeoutM) * time.Minute
}

func (c *Config) ParentDenyPeriod() time.Duration {
	return time.Duration(c.ParentDenyPeriodM) * time.Minute
}

// MacFiltered reports whether traffic from eui64 must be ignored. An
// allow list admits only its members; otherwise the deny list applies.
func (c *Config) MacFiltered(eui64 EUI64) bool {
	if len(c.AllowedMac64) > 0 {
		return !slices.Contains(c.AllowedMac64, eui64)
	}
	return slices.Contains(c.DeniedMac64, eui64)
}
