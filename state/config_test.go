package state

import (
	"testing"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.NetworkName = "wsrd-test"
	cfg.MacAddress = EUI64{0x2c, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}
	cfg.Authority = "/etc/weft/ca.pem"
	cfg.Certificate = "/etc/weft/cert.pem"
	cfg.Key = "/etc/weft/key.pem"
	return cfg
}

func failConfig(t *testing.T, mutate func(*Config), msg string) {
	t.Helper()
	cfg := validConfig()
	mutate(&cfg)
	assert.ErrorContains(t, cfg.Validate(), msg)
}

func TestConfigValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	// Offset 0 means keys never expire, which is legal.
	cfg.GtkExpireOffsetM = 0
	require.NoError(t, cfg.Validate())

	failConfig(t, func(c *Config) { c.NetworkName = "" }, `missing "network_name"`)
	failConfig(t, func(c *Config) { c.MacAddress = EUI64{} }, `missing "mac_address"`)
	failConfig(t, func(c *Config) { c.MacAddress = BroadcastEUI64 }, `missing "mac_address"`)
	failConfig(t, func(c *Config) { c.Key = "" }, `missing "key"`)
	failConfig(t, func(c *Config) { c.Certificate = "" }, `missing "certificate"`)
	failConfig(t, func(c *Config) { c.Authority = "" }, `missing "authority"`)
	failConfig(t, func(c *Config) { c.DiscIminS = 0 }, `invalid "disc_imin"`)
	failConfig(t, func(c *Config) { c.DiscImaxS = 0 }, `invalid "disc_imax"`)
	failConfig(t, func(c *Config) { c.DiscIminS = 60 }, "disc_imin >= disc_imax")
	failConfig(t, func(c *Config) { c.DiscK = 0 }, `invalid "disc_k"`)
	failConfig(t, func(c *Config) { c.GtkMaxMismatchM = 0 }, `invalid "gtk_max_mismatch"`)
	failConfig(t, func(c *Config) { c.GtkExpireOffsetM = -1 }, `invalid "gtk_expire_offset"`)
	failConfig(t, func(c *Config) { c.LgtkExpireOffsetM = -1 }, `invalid "gtk_expire_offset"`)
	failConfig(t, func(c *Config) { c.GtkNewActivationTime = 1 }, `invalid "gtk_new_activation_time"`)
	failConfig(t, func(c *Config) { c.LgtkNewActivationTime = 0 }, `invalid "gtk_new_activation_time"`)
	failConfig(t, func(c *Config) { c.GtkNewInstallRequired = 101 }, `invalid "gtk_new_install_required"`)
	failConfig(t, func(c *Config) { c.LgtkNewInstallRequired = 0 }, `invalid "gtk_new_install_required"`)
	failConfig(t, func(c *Config) { c.PmkLifetimeM = 0 }, `invalid "pmk_lifetime"`)
	failConfig(t, func(c *Config) { c.PtkLifetimeM = 0 }, `invalid "pmk_lifetime"`)
	failConfig(t, func(c *Config) { c.ChanCount = 0 }, `invalid "chan_count"`)
	failConfig(t, func(c *Config) {
		c.AllowedMac64 = []EUI64{{1}}
		c.DeniedMac64 = []EUI64{{2}}
	}, "allowed_mac64 and denied_mac64 are exclusive")
	failConfig(t, func(c *Config) {
		c.AllowedMac64 = make([]EUI64, MacFilterMax+1)
	}, "maximum number of allowed MAC addresses")
	failConfig(t, func(c *Config) {
		c.DutyCycle.Threshold = []int{50, 90}
	}, "requires a budget")
	failConfig(t, func(c *Config) {
		c.DutyCycle.BudgetMs = 1000
		c.DutyCycle.Threshold = []int{90, 50}
	}, "invalid duty_cycle_threshold[1]")
}

func TestConfigFromYaml(t *testing.T) {
	doc := `
network_name: mesh-a
mac_address: 2c:11:22:33:44:55:66:77
authority: /etc/weft/ca.pem
certificate: /etc/weft/cert.pem
key: /etc/weft/key.pem
disc_imin: 10
disc_imax: 40
gtk_expire_offset: 30
pmk_lifetime: 120
allowed_mac64:
  - 00:11:22:33:44:55:66:01
  - 00:11:22:33:44:55:66:02
duty_cycle_budget: 90000
duty_cycle_threshold: [50, 90]
chan_count: 129
`
	cfg := DefaultConfig()
	require.NoError(t, yaml.Unmarshal([]byte(doc), &cfg))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "mesh-a", cfg.NetworkName)
	assert.Equal(t, EUI64{0x2c, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77}, cfg.MacAddress)
	assert.Equal(t, 10*time.Second, cfg.DiscImin())
	assert.Equal(t, 40*time.Second, cfg.DiscImax())
	assert.Equal(t, 30*time.Minute, cfg.GtkExpireOffset())
	assert.Equal(t, 120*time.Minute, cfg.PmkLifetime())
	// defaults survive a partial document
	assert.Equal(t, "Anonymous", cfg.EapIdentity)
	assert.Equal(t, 64*time.Minute, cfg.GtkMaxMismatch())
	assert.True(t, cfg.RplCompat)
	assert.Len(t, cfg.AllowedMac64, 2)
}

func TestConfigMacFiltered(t *testing.T) {
	peer1 := EUI64{0, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x01}
	peer2 := EUI64{0, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x02}

	cfg := validConfig()
	assert.False(t, cfg.MacFiltered(peer1))

	cfg.AllowedMac64 = []EUI64{peer1}
	assert.False(t, cfg.MacFiltered(peer1))
	assert.True(t, cfg.MacFiltered(peer2))

	cfg.AllowedMac64 = nil
	cfg.DeniedMac64 = []EUI64{peer1}
	assert.True(t, cfg.MacFiltered(peer1))
	assert.False(t, cfg.MacFiltered(peer2))
}

func TestDutyCycleLevel(t *testing.T) {
	cfg := DutyCycleCfg{
		BudgetMs:      100_000,
		Threshold:     []int{50, 90},
		ChanBudgetMs:  10_000,
		ChanThreshold: []int{50, 90},
	}
	require.NoError(t, cfg.Check())

	// 10 channels: per-channel duration is a tenth of the total.
	assert.Equal(t, 0, cfg.Level(0, 10))
	assert.Equal(t, 0, cfg.Level(49_999, 10))
	assert.Equal(t, 1, cfg.Level(50_000, 10))
	assert.Equal(t, 1, cfg.Level(89_999, 10))
	assert.Equal(t, 2, cfg.Level(90_000, 10))
	assert.Equal(t, 2, cfg.Level(1_000_000, 10))

	// The per-channel budget can raise the level on its own.
	assert.Equal(t, 1, cfg.Level(12_000, 2))

	unlimited := DutyCycleCfg{}
	require.NoError(t, unlimited.Check())
	assert.Equal(t, 0, unlimited.Level(1_000_000, 1))
}
