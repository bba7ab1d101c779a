package whatsminer

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
)

const (
	DefaultPort           = 4433
	DefaultConnectTimeout = 5 * time.Second
	DefaultReadTimeout    = 5 * time.Second

	cmdDeviceInfo = "get.device.info"
	pollParam     = "power"

	// Readings outside this range are reported as invalid samples.
	minPlausibleTemp = -20.0
	maxPlausibleTemp = 120.0
)

var aLongTimeAgo = time.Unix(1, 0)

type Config struct {
	Host           string
	Port           int
	Account        string
	Password       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Host == "":
		return errFactory.WithData(ErrInvalidConfig, "device host is required")
	case c.Port <= 0 || c.Port > math.MaxUint16:
		return errFactory.WithData(ErrInvalidConfig, "device port out of range")
	case c.Account == "":
		return errFactory.WithData(ErrInvalidConfig, "device account is required")
	case c.ConnectTimeout <= 0 || c.ReadTimeout <= 0:
		return errFactory.WithData(ErrInvalidConfig, "device timeouts must be positive")
	}
	return nil
}

func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// PowerInfo is the subset of the device's power section the client reads.
type PowerInfo struct {
	LiquidTemperature    float64
	HasLiquidTemperature bool
	PSUTemperature       float64
	HasPSUTemperature    bool
	FanSpeed             float64
	HasFanSpeed          bool
	DeviceTime           time.Time
}

type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

type Option func(*Client)

func WithKeyDeriver(d KeyDeriver) Option {
	return func(c *Client) { c.derive = d }
}

func WithLogger(log logger.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// session is one authenticated TCP connection. The cipher is derived once
// from the salt returned by the clear bootstrap exchange and lives exactly as
// long as conn.
type session struct {
	conn   net.Conn
	cipher *sessionCipher
}

// Client polls one device. Exchanges are serialized; a failed exchange
// drops the session and the next call performs a fresh handshake.
type Client struct {
	cfg    Config
	derive KeyDeriver
	dial   DialFunc
	log    logger.Logger
	now    func() time.Time

	mu   sync.Mutex
	sess *session
}

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		derive: DeriveMD5Key,
		log:    logger.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		d := &net.Dialer{Timeout: cfg.ConnectTimeout}
		c.dial = d.DialContext
	}

	return c, nil
}

// FetchLiquidTemperature returns the current coolant temperature.
func (c *Client) FetchLiquidTemperature(ctx context.Context) (model.TemperatureSample, error) {
	info, err := c.FetchPowerInfo(ctx)
	if err != nil {
		return model.TemperatureSample{}, err
	}
	if !info.HasLiquidTemperature {
		return model.TemperatureSample{}, errors.New().New(ErrDataUnavailable)
	}

	v := info.LiquidTemperature
	sample := model.TemperatureSample{
		Value:     v,
		Timestamp: c.now(),
		Valid:     !math.IsNaN(v) && v >= minPlausibleTemp && v <= maxPlausibleTemp,
	}

	ev := c.log.Debug().Float64("liquid_temperature", v).Bool("valid", sample.Valid)
	if info.HasPSUTemperature {
		ev = ev.Float64("psu_temperature", info.PSUTemperature)
	}
	if info.HasFanSpeed {
		ev = ev.Float64("fan_speed", info.FanSpeed)
	}
	ev.Msg("Temperature fetched")

	return sample, nil
}

// FetchPowerInfo returns the device's power section, establishing a
// session first if none is open.
func (c *Client) FetchPowerInfo(ctx context.Context) (PowerInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := c.fetchPowerLocked(ctx)
	if err != nil && dropsSession(err) {
		c.closeSessionLocked()
	}
	return info, err
}

// Close ends the current session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeSessionLocked()
}

func (c *Client) fetchPowerLocked(ctx context.Context) (PowerInfo, error) {
	if c.sess == nil {
		resp, info, err := c.handshake(ctx)
		if err != nil {
			return PowerInfo{}, err
		}
		if info.Power != nil {
			return toPowerInfo(resp, info.Power), nil
		}
	}

	payload, err := encodeRequest(cmdDeviceInfo, pollParam)
	if err != nil {
		return PowerInfo{}, errors.New().Wrap(ErrDecode, err)
	}

	raw, err := c.roundTrip(ctx, c.sess.conn, c.sess.cipher.encrypt(payload))
	if err != nil {
		return PowerInfo{}, err
	}

	resp, err := decodeResponse(raw, c.sess.cipher)
	if err != nil {
		return PowerInfo{}, err
	}
	if err := checkCode(cmdDeviceInfo, resp); err != nil {
		return PowerInfo{}, err
	}

	var info deviceInfo
	if err := json.Unmarshal(resp.Msg, &info); err != nil {
		return PowerInfo{}, errors.New().Wrap(ErrDecode, err)
	}
	if info.Power == nil {
		return PowerInfo{}, errors.New().WithData(ErrDataUnavailable, "response has no power section")
	}

	return toPowerInfo(resp, info.Power), nil
}

// handshake opens a connection, runs the clear bootstrap exchange and
// installs the session.
func (c *Client) handshake(ctx context.Context) (response, deviceInfo, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return response{}, deviceInfo{}, err
	}

	resp, info, err := c.bootstrap(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return response{}, deviceInfo{}, err
	}

	sc, err := newSessionCipher(c.derive(c.cfg.Account, c.cfg.Password, info.Salt))
	if err != nil {
		_ = conn.Close()
		return response{}, deviceInfo{}, err
	}

	c.sess = &session{conn: conn, cipher: sc}

	c.log.Debug().
		Str("address", c.cfg.Address()).
		Bool("power_in_bootstrap", info.Power != nil).
		Msg("Device session established")

	return resp, info, nil
}

func (c *Client) bootstrap(ctx context.Context, conn net.Conn) (response, deviceInfo, error) {
	errFactory := errors.New()

	payload, err := encodeRequest(cmdDeviceInfo, nil)
	if err != nil {
		return response{}, deviceInfo{}, errFactory.Wrap(ErrDecode, err)
	}

	raw, err := c.roundTrip(ctx, conn, payload)
	if err != nil {
		return response{}, deviceInfo{}, err
	}

	resp, err := decodeResponse(raw, nil)
	if err != nil {
		return response{}, deviceInfo{}, err
	}
	if err := checkCode(cmdDeviceInfo, resp); err != nil {
		return response{}, deviceInfo{}, err
	}

	var info deviceInfo
	if err := json.Unmarshal(resp.Msg, &info); err != nil {
		return response{}, deviceInfo{}, errFactory.Wrap(ErrDecode, err)
	}
	if info.Salt == "" {
		return response{}, deviceInfo{}, errFactory.WithData(ErrAuth, "bootstrap response carries no salt")
	}

	return resp, info, nil
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(dialCtx, "tcp", c.cfg.Address())
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, errors.New().Wrap(ErrCanceled, ctx.Err())
		}
		return nil, errors.New().Wrap(ErrConnection, err).WithData(c.cfg.Address())
	}
	return conn, nil
}

// roundTrip writes one frame and reads one frame, bounded by the read
// timeout and by ctx.
func (c *Client) roundTrip(ctx context.Context, conn net.Conn, payload []byte) ([]byte, error) {
	deadline := time.Now().Add(c.cfg.ReadTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.New().Wrap(ErrConnection, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	if err := writeFrame(conn, payload); err != nil {
		return nil, classifyIOError(ctx, err)
	}

	raw, err := readFrame(conn)
	if err != nil {
		if errors.HasCode(err, ErrDecode) {
			return nil, err
		}
		return nil, classifyIOError(ctx, err)
	}
	return raw, nil
}

func (c *Client) closeSessionLocked() error {
	if c.sess == nil {
		return nil
	}
	err := c.sess.conn.Close()
	c.sess = nil
	if err != nil {
		return errors.New().Wrap(ErrConnection, err)
	}
	return nil
}

// decodeResponse accepts a clear JSON body and otherwise decrypts with sc.
func decodeResponse(raw []byte, sc *sessionCipher) (response, error) {
	errFactory := errors.New()

	var resp response
	jsonErr := json.Unmarshal(raw, &resp)
	if jsonErr == nil {
		return resp, nil
	}
	if sc == nil {
		return response{}, errFactory.Wrap(ErrDecode, jsonErr)
	}

	plain, err := sc.decrypt(raw)
	if err != nil {
		return response{}, err
	}
	if err := json.Unmarshal(plain, &resp); err != nil {
		return response{}, errFactory.Wrap(ErrDecode, err)
	}
	return resp, nil
}

func checkCode(cmd string, resp response) error {
	if resp.Code == CodeSuccess {
		return nil
	}
	return errors.New().WithData(ErrProtocol, CodeError{Command: cmd, Code: resp.Code})
}

func classifyIOError(ctx context.Context, err error) error {
	errFactory := errors.New()

	switch ctx.Err() {
	case context.Canceled:
		return errFactory.Wrap(ErrCanceled, err)
	case context.DeadlineExceeded:
		return errFactory.Wrap(ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errFactory.Wrap(ErrTimeout, err)
	}
	return errFactory.Wrap(ErrConnection, err)
}

func dropsSession(err error) bool {
	return errors.HasCode(err, ErrConnection) ||
		errors.HasCode(err, ErrTimeout) ||
		errors.HasCode(err, ErrCanceled) ||
		errors.HasCode(err, ErrDecode)
}

func toPowerInfo(resp response, p *powerInfo) PowerInfo {
	var info PowerInfo
	if p.LiquidTemperature != nil {
		info.LiquidTemperature, info.HasLiquidTemperature = *p.LiquidTemperature, true
	}
	if p.PSUTemperature != nil {
		info.PSUTemperature, info.HasPSUTemperature = *p.PSUTemperature, true
	}
	if p.FanSpeed != nil {
		info.FanSpeed, info.HasFanSpeed = *p.FanSpeed, true
	}
	if resp.When > 0 {
		info.DeviceTime = time.Unix(resp.When, 0)
	}
	return info
}
