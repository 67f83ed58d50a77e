// Package client talks to a job server over the framed TLS protocol. Each
// call opens its own connection, as the server answers one request per
// connection.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"quiqcl-server/internal/apperr"
	"quiqcl-server/internal/config"
	"quiqcl-server/internal/models"
	"quiqcl-server/internal/protocol"
)

// ErrRateLimited is returned when the server refuses a submission.
var ErrRateLimited = errors.New("submission rate limited")

// Client submits and polls jobs.
type Client struct {
	addr    string
	tls     *tls.Config
	timeout time.Duration
	// Token from the credentials file. Not sent on the wire.
	Token string
}

// New returns a client for addr using tlsCfg. A zero timeout means 30s per
// request.
func New(addr string, tlsCfg *tls.Config, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{addr: addr, tls: tlsCfg, timeout: timeout}
}

// FromCredentials builds a client from a client credential file.
func FromCredentials(c config.Credentials) (*Client, error) {
	tlsCfg, err := c.ClientTLS()
	if err != nil {
		return nil, err
	}
	cl := New(c.ServerAddress.String(), tlsCfg, 0)
	cl.Token = c.Token
	return cl, nil
}

// SubmitJob sends a circuit for backend and returns the job id.
func (c *Client) SubmitJob(ctx context.Context, circuit models.Circuit, backend string) (string, error) {
	payload, err := json.Marshal(models.Submission{Circuit: circuit, Backend: backend})
	if err != nil {
		return "", fmt.Errorf("marshal submission: %w", err)
	}
	text, reply, err := c.request(ctx, protocol.SubmitJob, payload)
	if err != nil {
		return "", err
	}
	switch text {
	case protocol.JobID:
		return string(reply), nil
	case protocol.RateLimited:
		return "", ErrRateLimited
	default:
		return "", apperr.Newf(apperr.MalformedMessage, "unexpected reply %q to %s", text, protocol.SubmitJob)
	}
}

// RetrieveJob returns the current record for id. An id the server does not
// know is an apperr.JobNotFound.
func (c *Client) RetrieveJob(ctx context.Context, id string) (models.JobRecord, error) {
	text, reply, err := c.request(ctx, protocol.RetrieveJob, []byte(id))
	if err != nil {
		return models.JobRecord{}, err
	}
	switch text {
	case protocol.JobInfo:
		var rec models.JobRecord
		if err := json.Unmarshal(reply, &rec); err != nil {
			return models.JobRecord{}, apperr.Wrap(apperr.MalformedMessage, err, "decode job info")
		}
		rec.ID = id
		return rec, nil
	case protocol.JobNotFound:
		return models.JobRecord{}, apperr.Newf(apperr.JobNotFound, "job %s", id)
	default:
		return models.JobRecord{}, apperr.Newf(apperr.MalformedMessage, "unexpected reply %q to %s", text, protocol.RetrieveJob)
	}
}

// WaitForFinalState polls id every interval until it is DONE or ERROR.
func (c *Client) WaitForFinalState(ctx context.Context, id string, interval time.Duration) (models.JobRecord, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last models.JobRecord
	for {
		rec, err := c.RetrieveJob(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, err
		}
		last = rec
		if rec.Status.Final() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return rec, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) request(ctx context.Context, text string, payload []byte) (string, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: c.tls}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", nil, fmt.Errorf("dial %s: %w", c.addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	if err := protocol.WriteMessage(conn, text, payload); err != nil {
		return "", nil, fmt.Errorf("send %s: %w", text, err)
	}
	replyText, reply, err := protocol.ReadMessage(conn)
	if err != nil {
		return "", nil, fmt.Errorf("read reply to %s: %w", text, err)
	}
	return replyText, reply, nil
}
