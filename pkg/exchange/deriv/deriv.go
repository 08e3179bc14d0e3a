// Package deriv talks to the binary options venue over its websocket API. The
// same connection provides ticks for the order watch engine, spot prices and
// contract execution.
package deriv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const defaultURL = "wss://ws.derivws.com/websockets/v3"

var ErrNotConnected = errors.New("deriv: not connected")

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("deriv: %s: %s", e.Code, e.Message)
}

type envelope struct {
	MsgType      string    `json:"msg_type"`
	ReqID        int64     `json:"req_id"`
	Error        *apiError `json:"error"`
	Subscription *struct {
		ID string `json:"id"`
	} `json:"subscription"`
}

type response struct {
	raw []byte
	err error
}

type Client struct {
	url      string
	token    string
	currency string
	symbols  map[string]string
	log      func(v ...interface{})
	debug    bool
	dialer   *websocket.Dialer
	limiter  *rate.Limiter

	lock    sync.Mutex
	conn    *websocket.Conn
	reqID   int64
	pending map[int64]chan response
	streams map[int64]*stream
	ready   chan struct{}

	writeLock sync.Mutex
}

// New creates a client. symbols overrides the asset to venue symbol mapping.
func New(log func(v ...interface{}), appID, token, currency string, symbols map[string]string, debug bool) *Client {
	u, _ := url.Parse(defaultURL)
	q := u.Query()
	q.Set("app_id", appID)
	u.RawQuery = q.Encode()
	s := make(map[string]string)
	for k, v := range symbols {
		s[strings.ToUpper(k)] = v
	}
	return &Client{
		url:      u.String(),
		token:    token,
		currency: currency,
		symbols:  s,
		log:      log,
		debug:    debug,
		dialer:   websocket.DefaultDialer,
		limiter:  rate.NewLimiter(rate.Limit(5), 10),
		pending:  make(map[int64]chan response),
		streams:  make(map[int64]*stream),
		ready:    make(chan struct{}),
	}
}

// Run keeps the connection alive until the context is canceled.
func (c *Client) Run(ctx context.Context) error {
	var retry int
	for {
		err := c.connect(ctx)
		if err == nil {
			retry = 0
			err = c.read(ctx)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := backoff(retry)
		retry++
		c.log(fmt.Sprintf("⚠️ deriv: connection lost (%v), reconnecting in %s", err, wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Ready is closed once the first connection has been authorized.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("deriv: couldn't dial: %w", err)
	}
	c.lock.Lock()
	c.conn = conn
	c.lock.Unlock()

	if c.token == "" {
		c.markReady()
		return nil
	}
	// The reply is consumed by read, so authorization runs in the background.
	go func() {
		if _, err := c.call(ctx, map[string]interface{}{"authorize": c.token}); err != nil {
			c.log(fmt.Errorf("deriv: couldn't authorize: %w", err))
			_ = conn.Close()
			return
		}
		c.markReady()
	}()
	return nil
}

func (c *Client) markReady() {
	c.lock.Lock()
	defer c.lock.Unlock()
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

func (c *Client) read(ctx context.Context) error {
	c.lock.Lock()
	conn := c.conn
	c.lock.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()
	defer c.disconnect(conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("deriv: couldn't read: %w", err)
		}
		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log(fmt.Errorf("deriv: couldn't decode message: %w", err))
			continue
		}
		if c.debug {
			c.log("deriv_message", string(msg))
		}
		c.dispatch(env, msg)
	}
}

func (c *Client) dispatch(env envelope, msg []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if s, ok := c.streams[env.ReqID]; ok {
		if env.Error != nil {
			c.log(fmt.Errorf("deriv: subscription %s failed: %w", s.symbol, env.Error))
			delete(c.streams, env.ReqID)
			s.close()
			return
		}
		if env.Subscription != nil {
			s.id = env.Subscription.ID
		}
		s.push(c.log, msg)
		return
	}
	ch, ok := c.pending[env.ReqID]
	if !ok {
		return
	}
	delete(c.pending, env.ReqID)
	if env.Error != nil {
		ch <- response{err: env.Error}
		return
	}
	ch <- response{raw: msg}
}

// disconnect fails every in-flight call and closes every tick stream so that
// subscribers resubscribe after the reconnection.
func (c *Client) disconnect(conn *websocket.Conn) {
	_ = conn.Close()
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- response{err: ErrNotConnected}
		delete(c.pending, id)
	}
	for id, s := range c.streams {
		s.close()
		delete(c.streams, id)
	}
}

func (c *Client) send(ctx context.Context, req map[string]interface{}, register func(id int64)) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.lock.Lock()
	conn := c.conn
	if conn == nil {
		c.lock.Unlock()
		return ErrNotConnected
	}
	c.reqID++
	id := c.reqID
	register(id)
	c.lock.Unlock()

	req["req_id"] = id
	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("deriv: couldn't write: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, req map[string]interface{}) ([]byte, error) {
	ch := make(chan response, 1)
	var reqID int64
	err := c.send(ctx, req, func(id int64) {
		reqID = id
		c.pending[id] = ch
	})
	if err != nil {
		c.forget(reqID)
		return nil, err
	}
	select {
	case <-ctx.Done():
		c.forget(reqID)
		return nil, ctx.Err()
	case resp := <-ch:
		return resp.raw, resp.err
	}
}

func (c *Client) forget(id int64) {
	if id == 0 {
		return
	}
	c.lock.Lock()
	delete(c.pending, id)
	c.lock.Unlock()
}

// Symbol converts an asset name into the venue symbol.
func (c *Client) Symbol(asset string) string {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if s, ok := c.symbols[asset]; ok {
		return s
	}
	return Symbol(asset)
}

// Symbol converts an asset name into the default venue symbol:
// "Volatility 25" -> R_25, "Volatility 75 (1s)" -> 1HZ75V, "Crash 500" ->
// CRASH500, EURUSD -> frxEURUSD.
func Symbol(asset string) string {
	upper := strings.ToUpper(strings.TrimSpace(asset))
	switch {
	case strings.HasPrefix(upper, "R_"), strings.HasPrefix(upper, "1HZ"):
		return upper
	case strings.HasPrefix(asset, "frx"), strings.HasPrefix(asset, "cry"):
		return asset
	case strings.HasPrefix(upper, "VOLATILITY"):
		fields := strings.Fields(strings.NewReplacer("(", " ", ")", " ").Replace(upper))
		if len(fields) < 2 {
			return upper
		}
		if len(fields) > 2 && fields[2] == "1S" {
			return fmt.Sprintf("1HZ%sV", fields[1])
		}
		return "R_" + fields[1]
	case strings.HasPrefix(upper, "CRASH"), strings.HasPrefix(upper, "BOOM"):
		return strings.ReplaceAll(upper, " ", "")
	}
	upper = strings.NewReplacer("/", "", "-", "", " ", "").Replace(upper)
	if len(upper) == 6 {
		return "frx" + upper
	}
	return upper
}

func backoff(retry int) time.Duration {
	const (
		base = time.Second
		max  = time.Minute
	)
	if retry > 6 {
		return max
	}
	d := base * time.Duration(1<<retry)
	if d > max {
		return max
	}
	return d
}
