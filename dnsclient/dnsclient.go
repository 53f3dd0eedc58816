// Package dnsclient provides a drive-once DNS resolver for the network
// reactor: callers enqueue lookups, the reactor resolves a bounded batch per
// cycle, and results are polled back without ever blocking the event loop on
// an unbounded wait.
package dnsclient

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const (
	defaultServer      = "127.0.0.1:53"
	defaultTimeout     = 5 * time.Second
	defaultBatchSize   = 8
	defaultMaxPending  = 128
	defaultMaxResolved = 256
)

var (
	ErrTooManyLookups = errors.New("dnsclient: too many pending lookups")
	ErrNoRecords      = errors.New("dnsclient: no A records")
)

// Request names one lookup.
type Request struct {
	Host string
	Port uint16
}

// Response is the outcome of one lookup. Err is set on failure.
type Response struct {
	Request Request
	IPs     []net.IP
	Err     error
}

// Client is owned by the reactor goroutine; it is not safe for concurrent
// use.
type Client struct {
	server    string
	timeout   time.Duration
	batchSize int

	resolver *dns.Client

	queued   []Request
	resolved map[Request]*Response
}

func New(server string, timeout time.Duration) *Client {
	if server == "" {
		server = defaultServer
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		server:    server,
		timeout:   timeout,
		batchSize: defaultBatchSize,
		resolver:  &dns.Client{Timeout: timeout},
		resolved:  make(map[Request]*Response),
	}
}

// Lookup enqueues a host for resolution. Duplicate requests already queued
// or resolved are absorbed.
func (c *Client) Lookup(host string, port uint16) error {
	req := Request{Host: host, Port: port}
	if _, ok := c.resolved[req]; ok {
		return nil
	}
	for _, q := range c.queued {
		if q == req {
			return nil
		}
	}
	if len(c.queued) >= defaultMaxPending {
		return ErrTooManyLookups
	}
	c.queued = append(c.queued, req)
	return nil
}

// DriveOnce resolves up to one batch of queued lookups and returns how many
// completed (successfully or not).
func (c *Client) DriveOnce() int {
	n := len(c.queued)
	if n > c.batchSize {
		n = c.batchSize
	}
	if n == 0 {
		return 0
	}
	batch := c.queued[:n]
	c.queued = c.queued[n:]
	for _, req := range batch {
		resp := c.resolve(req)
		if len(c.resolved) >= defaultMaxResolved {
			// Drop the oldest arbitrary entry rather than grow without bound.
			for k := range c.resolved {
				delete(c.resolved, k)
				break
			}
		}
		c.resolved[req] = resp
	}
	return n
}

func (c *Client) resolve(req Request) *Response {
	if ip := net.ParseIP(req.Host); ip != nil {
		return &Response{Request: req, IPs: []net.IP{ip}}
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(req.Host), dns.TypeA)
	msg.RecursionDesired = true

	in, _, err := c.resolver.Exchange(msg, c.server)
	if err != nil {
		return &Response{Request: req, Err: fmt.Errorf("resolve %s: %w", req.Host, err)}
	}
	if in.Rcode != dns.RcodeSuccess {
		return &Response{Request: req, Err: fmt.Errorf("resolve %s: rcode %s", req.Host, dns.RcodeToString[in.Rcode])}
	}
	var ips []net.IP
	for _, answer := range in.Answer {
		if a, ok := answer.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return &Response{Request: req, Err: fmt.Errorf("resolve %s: %w", req.Host, ErrNoRecords)}
	}
	return &Response{Request: req, IPs: ips}
}

// Poll takes the result of a completed lookup, if any.
func (c *Client) Poll(host string, port uint16) (*Response, bool) {
	req := Request{Host: host, Port: port}
	resp, ok := c.resolved[req]
	if !ok {
		return nil, false
	}
	delete(c.resolved, req)
	return resp, true
}

// PendingLookups reports how many requests are still queued.
func (c *Client) PendingLookups() int {
	return len(c.queued)
}
