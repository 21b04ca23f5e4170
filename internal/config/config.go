// Package config provides configuration management for OpenSQM.
// It uses Viper to load settings from a config file, environment variables and CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Device types understood by the device package.
const (
	DeviceSQMLE = "SQM-LE" // ethernet
	DeviceSQMLU = "SQM-LU" // USB serial
)

// Config holds all runtime configuration for OpenSQM.
type Config struct {
	// ── Site ─────────────────────────────────────────────────────────────────
	ObservatoryName      string  `mapstructure:"observatory_name"`
	ObservatoryLatitude  float64 `mapstructure:"observatory_latitude"`
	ObservatoryLongitude float64 `mapstructure:"observatory_longitude"`
	ObservatoryAltitude  float64 `mapstructure:"observatory_altitude"`
	// ObservatoryHorizon: solar altitude (degrees) at or below which data is taken.
	ObservatoryHorizon float64 `mapstructure:"observatory_horizon"`

	// ── Device ───────────────────────────────────────────────────────────────
	DeviceShortType    string `mapstructure:"device_shorttype"`
	DeviceType         string `mapstructure:"device_type"` // SQM-LE | SQM-LU
	DeviceID           string `mapstructure:"device_id"`
	DeviceLocationName string `mapstructure:"device_locationname"`
	DataSupplier       string `mapstructure:"data_supplier"`
	// DeviceAddr is the IP of an SQM-LE or the serial port of an SQM-LU.
	DeviceAddr          string `mapstructure:"device_addr"`
	DevicePort          int    `mapstructure:"device_port"`
	DeviceBaudRate      int    `mapstructure:"device_baudrate"`
	DeviceTimeout       int    `mapstructure:"device_timeout"` // seconds
	DeviceResetAttempts int    `mapstructure:"device_reset_attempts"`
	DeviceResetBackoff  int    `mapstructure:"device_reset_backoff"`     // seconds
	DeviceResetMax      int    `mapstructure:"device_reset_backoff_max"` // seconds
	// DeviceMaxOutage ends acquisition (exit code 2) after this many seconds
	// without a reading; 0 keeps retrying forever.
	DeviceMaxOutage int `mapstructure:"device_max_outage"`

	// ── Acquisition ──────────────────────────────────────────────────────────
	MeasuresToPromediate int `mapstructure:"measures_to_promediate"`
	DelayBetweenMeasures int `mapstructure:"delay_between_measures"` // seconds
	CacheMeasures        int `mapstructure:"cache_measures"`
	PlotEach             int `mapstructure:"plot_each"`
	DaytimeInterval      int `mapstructure:"daytime_interval"` // seconds
	SinkTimeout          int `mapstructure:"sink_timeout"`     // seconds

	// ── Time & calibration ───────────────────────────────────────────────────
	LocalTimezone     float64 `mapstructure:"_local_timezone"`    // hours east of UTC
	ComputerTimezone  float64 `mapstructure:"_computer_timezone"` // hours east of UTC
	OffsetCalibration float64 `mapstructure:"_offset_calibration"`

	// ── Connection loss escalation ───────────────────────────────────────────
	RebootOnConnLost  bool   `mapstructure:"_reboot_on_connlost"`
	RebootCommand     string `mapstructure:"_reboot_command"`
	RebootDelay       int    `mapstructure:"_reboot_delay"` // seconds
	RebootSSHHost     string `mapstructure:"_reboot_ssh_host"`
	RebootSSHUser     string `mapstructure:"_reboot_ssh_user"`
	RebootSSHKeyPath  string `mapstructure:"_reboot_ssh_key_path"`
	RebootSSHPassword string `mapstructure:"_reboot_ssh_password"`

	// ── Database sink ────────────────────────────────────────────────────────
	UseMySQL      bool   `mapstructure:"_use_mysql"`
	DBDriver      string `mapstructure:"_db_driver"` // "mysql", "postgres" or "sqlite"
	DBPath        string `mapstructure:"_db_path"`   // used when _db_driver = sqlite
	MySQLHost     string `mapstructure:"_mysql_host"`
	MySQLUser     string `mapstructure:"_mysql_user"`
	MySQLPass     string `mapstructure:"_mysql_pass"`
	MySQLDatabase string `mapstructure:"_mysql_database"`
	MySQLDBTable  string `mapstructure:"_mysql_dbtable"`
	MySQLPort     int    `mapstructure:"_mysql_port"`

	// ── Directories ──────────────────────────────────────────────────────────
	MonthlyDataDirectory  string `mapstructure:"monthly_data_directory"`
	DailyDataDirectory    string `mapstructure:"daily_data_directory"`
	DailyGraphDirectory   string `mapstructure:"daily_graph_directory"`
	CurrentDataDirectory  string `mapstructure:"current_data_directory"`
	CurrentGraphDirectory string `mapstructure:"current_graph_directory"`
	SummaryDataDirectory  string `mapstructure:"summary_data_directory"`

	// ── Datacenter upload ────────────────────────────────────────────────────
	SendToDatacenter bool   `mapstructure:"_send_to_datacenter"`
	DatacenterURL    string `mapstructure:"_datacenter_url"`
	// DatacenterToken is sent as "Authorization: Bearer <token>" and checked by the datacenter data plane.
	DatacenterToken string `mapstructure:"_datacenter_token"`

	// ── Plotting ─────────────────────────────────────────────────────────────
	FullPlot     bool      `mapstructure:"full_plot"`
	LimitsNSB    []float64 `mapstructure:"limits_nsb"`
	LimitsTime   []float64 `mapstructure:"limits_time"`
	LimitsSunAlt []float64 `mapstructure:"limits_sunalt"`

	// ── Email ────────────────────────────────────────────────────────────────
	SendDataByEmail bool     `mapstructure:"_send_data_by_email"`
	EmailSMTPHost   string   `mapstructure:"_email_smtp_host"`
	EmailSMTPPort   int      `mapstructure:"_email_smtp_port"`
	EmailUser       string   `mapstructure:"_email_user"`
	EmailPass       string   `mapstructure:"_email_pass"`
	EmailFrom       string   `mapstructure:"_email_from"`
	EmailTo         []string `mapstructure:"_email_to"`

	// ── S3 archive ───────────────────────────────────────────────────────────
	ArchiveToS3   bool   `mapstructure:"_archive_to_s3"`
	S3Endpoint    string `mapstructure:"_s3_endpoint"`
	S3Region      string `mapstructure:"_s3_region"`
	S3Bucket      string `mapstructure:"_s3_bucket"`
	S3AccessKey   string `mapstructure:"_s3_access_key"`
	S3SecretKey   string `mapstructure:"_s3_secret_key"`
	S3Prefix      string `mapstructure:"_s3_prefix"`
	MetricsListen string `mapstructure:"metrics_listen"`

	// ── Datacenter server ────────────────────────────────────────────────────
	ServerHost string `mapstructure:"datacenter_host"`
	// ControlPort: status page + JWT-protected read API
	ControlPort int `mapstructure:"datacenter_control_port"`
	// DataPort: station uploads, protected by DatacenterToken
	DataPort     int    `mapstructure:"datacenter_data_port"`
	ServerDBPath string `mapstructure:"datacenter_db_path"`
	JWTSecret    string `mapstructure:"datacenter_jwt_secret"`
	AdminUser    string `mapstructure:"datacenter_admin_user"`
	AdminPass    string `mapstructure:"datacenter_admin_pass"`
}

// requiredKeys must be present in the config file (or environment).
var requiredKeys = []string{
	"observatory_name",
	"observatory_latitude",
	"observatory_longitude",
	"observatory_horizon",
	"device_type",
	"device_addr",
	"monthly_data_directory",
}

// Load reads the station config file at path, applies defaults and SQM_*
// environment overrides, and validates the result. Every failure is a *Error.
func Load(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			return nil, &Error{Key: key, Err: ErrMissing}
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDatacenter reads the datacenter keys from path. Station keys are not
// required, so the receiver can run from a config of its own.
func LoadDatacenter(path string) (*Config, error) {
	v, err := read(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	required := []struct{ key, val string }{
		{"datacenter_jwt_secret", cfg.JWTSecret},
		{"_datacenter_token", cfg.DatacenterToken},
		{"datacenter_admin_pass", cfg.AdminPass},
		{"datacenter_db_path", cfg.ServerDBPath},
	}
	for _, r := range required {
		if r.val == "" {
			return nil, &Error{Key: r.key, Err: ErrMissing}
		}
	}
	return cfg, nil
}

func read(path string) (*viper.Viper, error) {
	v := viper.New()
	// .env is optional; it only seeds the environment for AutomaticEnv.
	_ = godotenv.Load()

	setDefaults(v)

	if _, err := os.Stat(path); err != nil {
		return nil, &Error{Key: "config", Err: fmt.Errorf("config file %s: %w", path, err)}
	}
	v.SetConfigFile(path)
	if filepath.Ext(path) == "" {
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, &Error{Key: "config", Err: fmt.Errorf("reading config file: %w", err)}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("SQM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Key: "config", Err: fmt.Errorf("unmarshaling config: %w", err)}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("observatory_altitude", 0)
	v.SetDefault("device_shorttype", "SQM")
	v.SetDefault("device_locationname", "")
	v.SetDefault("data_supplier", "")
	v.SetDefault("device_id", "")
	v.SetDefault("device_port", 10001)
	v.SetDefault("device_baudrate", 115200)
	v.SetDefault("device_timeout", 5)
	v.SetDefault("device_reset_attempts", 5)
	v.SetDefault("device_reset_backoff", 1)
	v.SetDefault("device_reset_backoff_max", 60)
	v.SetDefault("device_max_outage", 0)

	v.SetDefault("measures_to_promediate", 5)
	v.SetDefault("delay_between_measures", 60)
	v.SetDefault("cache_measures", 5)
	v.SetDefault("plot_each", 60)
	v.SetDefault("daytime_interval", 300)
	v.SetDefault("sink_timeout", 30)

	v.SetDefault("_local_timezone", 0)
	v.SetDefault("_computer_timezone", 0)
	v.SetDefault("_offset_calibration", 0)

	v.SetDefault("_reboot_on_connlost", false)
	v.SetDefault("_reboot_command", "")
	v.SetDefault("_reboot_delay", 600)
	v.SetDefault("_reboot_ssh_host", "")
	v.SetDefault("_reboot_ssh_user", "root")
	v.SetDefault("_reboot_ssh_key_path", "")
	v.SetDefault("_reboot_ssh_password", "")

	v.SetDefault("_use_mysql", false)
	v.SetDefault("_db_driver", "mysql")
	v.SetDefault("_db_path", "opensqm.db")
	v.SetDefault("_mysql_host", "localhost")
	v.SetDefault("_mysql_user", "")
	v.SetDefault("_mysql_pass", "")
	v.SetDefault("_mysql_database", "")
	v.SetDefault("_mysql_dbtable", "measurements")
	v.SetDefault("_mysql_port", 3306)

	v.SetDefault("daily_data_directory", "")
	v.SetDefault("daily_graph_directory", "")
	v.SetDefault("current_data_directory", "")
	v.SetDefault("current_graph_directory", "")
	v.SetDefault("summary_data_directory", "")

	v.SetDefault("_send_to_datacenter", false)
	v.SetDefault("_datacenter_url", "http://127.0.0.1:1717")
	v.SetDefault("_datacenter_token", "")

	v.SetDefault("full_plot", false)
	v.SetDefault("limits_nsb", []float64{16.0, 22.0})
	v.SetDefault("limits_time", []float64{17, 9})
	v.SetDefault("limits_sunalt", []float64{-80, 5})

	v.SetDefault("_send_data_by_email", false)
	v.SetDefault("_email_smtp_host", "")
	v.SetDefault("_email_smtp_port", 587)
	v.SetDefault("_email_user", "")
	v.SetDefault("_email_pass", "")
	v.SetDefault("_email_from", "")
	v.SetDefault("_email_to", []string{})

	v.SetDefault("_archive_to_s3", false)
	v.SetDefault("_s3_endpoint", "")
	v.SetDefault("_s3_region", "us-east-1")
	v.SetDefault("_s3_bucket", "")
	v.SetDefault("_s3_access_key", "")
	v.SetDefault("_s3_secret_key", "")
	v.SetDefault("_s3_prefix", "")
	v.SetDefault("metrics_listen", "")

	v.SetDefault("datacenter_host", "0.0.0.0")
	v.SetDefault("datacenter_control_port", 7717)
	v.SetDefault("datacenter_data_port", 1717)
	v.SetDefault("datacenter_db_path", "datacenter.db")
	// Secrets have no usable default; LoadDatacenter requires them.
	v.SetDefault("datacenter_jwt_secret", "")
	v.SetDefault("datacenter_admin_user", "admin")
	v.SetDefault("datacenter_admin_pass", "")
}

// fillDerived normalises the legacy device type spelling and derives the
// optional directories and device id from the required ones.
func (c *Config) fillDerived() {
	c.DeviceType = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(c.DeviceType), "_", "-"))
	if c.DeviceID == "" {
		c.DeviceID = c.DeviceType + "-" + c.ObservatoryName
	}
	if c.DailyDataDirectory == "" {
		c.DailyDataDirectory = filepath.Join(c.MonthlyDataDirectory, "daily_data")
	}
	if c.DailyGraphDirectory == "" {
		c.DailyGraphDirectory = filepath.Join(c.MonthlyDataDirectory, "daily_graphs")
	}
	if c.CurrentDataDirectory == "" {
		c.CurrentDataDirectory = c.MonthlyDataDirectory
	}
	if c.CurrentGraphDirectory == "" {
		c.CurrentGraphDirectory = c.CurrentDataDirectory
	}
	if c.SummaryDataDirectory == "" {
		c.SummaryDataDirectory = c.MonthlyDataDirectory
	}
}

// Validate checks semantic constraints the decoder cannot express.
func (c *Config) Validate() error {
	switch c.DeviceType {
	case DeviceSQMLE, DeviceSQMLU:
	default:
		return &Error{Key: "device_type", Err: fmt.Errorf("unknown device type %q (use SQM-LE or SQM-LU)", c.DeviceType)}
	}
	if c.ObservatoryLatitude < -90 || c.ObservatoryLatitude > 90 {
		return &Error{Key: "observatory_latitude", Err: fmt.Errorf("%v out of range [-90, 90]", c.ObservatoryLatitude)}
	}
	if c.ObservatoryLongitude < -180 || c.ObservatoryLongitude > 180 {
		return &Error{Key: "observatory_longitude", Err: fmt.Errorf("%v out of range [-180, 180]", c.ObservatoryLongitude)}
	}
	if c.ObservatoryHorizon < -90 || c.ObservatoryHorizon > 90 {
		return &Error{Key: "observatory_horizon", Err: fmt.Errorf("%v out of range [-90, 90]", c.ObservatoryHorizon)}
	}
	positive := map[string]int{
		"measures_to_promediate": c.MeasuresToPromediate,
		"delay_between_measures": c.DelayBetweenMeasures,
		"cache_measures":         c.CacheMeasures,
		"plot_each":              c.PlotEach,
		"daytime_interval":       c.DaytimeInterval,
		"sink_timeout":           c.SinkTimeout,
		"device_timeout":         c.DeviceTimeout,
		"device_reset_attempts":  c.DeviceResetAttempts,
	}
	for key, n := range positive {
		if n <= 0 {
			return &Error{Key: key, Err: fmt.Errorf("must be > 0, got %d", n)}
		}
	}
	for key, lim := range map[string][]float64{
		"limits_nsb":    c.LimitsNSB,
		"limits_time":   c.LimitsTime,
		"limits_sunalt": c.LimitsSunAlt,
	} {
		if len(lim) != 2 {
			return &Error{Key: key, Err: fmt.Errorf("expected [min, max], got %v", lim)}
		}
	}
	if c.UseMySQL {
		switch c.DBDriver {
		case "mysql", "postgres", "sqlite":
		default:
			return &Error{Key: "_db_driver", Err: fmt.Errorf("unsupported driver %q (use mysql, postgres or sqlite)", c.DBDriver)}
		}
	}
	if c.SendDataByEmail && (c.EmailSMTPHost == "" || len(c.EmailTo) == 0) {
		return &Error{Key: "_email_smtp_host", Err: errors.New("email enabled but _email_smtp_host or _email_to is empty")}
	}
	if c.SendToDatacenter && c.DatacenterToken == "" {
		return &Error{Key: "_datacenter_token", Err: ErrMissing}
	}
	if c.ArchiveToS3 && c.S3Bucket == "" {
		return &Error{Key: "_s3_bucket", Err: ErrMissing}
	}
	return nil
}

// EnsureDirectories creates every output directory that does not exist yet.
func (c *Config) EnsureDirectories() error {
	for _, dir := range c.Directories() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StorageError{Path: dir, Err: err}
		}
	}
	return nil
}

// Directories lists the output directories in creation order.
func (c *Config) Directories() []string {
	return []string{
		c.MonthlyDataDirectory,
		c.DailyDataDirectory,
		c.DailyGraphDirectory,
		c.CurrentDataDirectory,
		c.CurrentGraphDirectory,
		c.SummaryDataDirectory,
	}
}

// ── Derived values ───────────────────────────────────────────────────────────

// Delay is the target period of one night cycle.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelayBetweenMeasures) * time.Second
}

// SamplePause spaces the readings of one cycle so that sampling takes about
// half of the cycle period.
func (c *Config) SamplePause() time.Duration {
	return c.Delay() / time.Duration(2*c.MeasuresToPromediate)
}

// DaytimeSleep is the fixed sleep of a day cycle.
func (c *Config) DaytimeSleep() time.Duration {
	return time.Duration(c.DaytimeInterval) * time.Second
}

// SinkDeadline bounds every external sink call.
func (c *Config) SinkDeadline() time.Duration {
	return time.Duration(c.SinkTimeout) * time.Second
}

// LocalZone is the fixed zone of the _local_timezone offset.
func (c *Config) LocalZone() *time.Location {
	return fixedZone(c.LocalTimezone)
}

// ComputerZone is the fixed zone the host clock reports in.
func (c *Config) ComputerZone() *time.Location {
	return fixedZone(c.ComputerTimezone)
}

func fixedZone(hours float64) *time.Location {
	offset := int(hours * 3600)
	if offset == 0 {
		return time.UTC
	}
	name := fmt.Sprintf("UTC%+g", hours)
	return time.FixedZone(name, offset)
}
