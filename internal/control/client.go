package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Client is a control socket client for CLI commands.
type Client struct {
	socketPath string
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Send sends a request and returns the response.
func (c *Client) Send(req Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, SocketDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to control socket: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(SocketReadWriteTimeout))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

// call sends command with payload and decodes the response data into out
// when out is non-nil.
func (c *Client) call(command string, payload, out any) error {
	req := Request{Command: command}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = data
	}

	resp, err := c.Send(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// FilterList retrieves the current filter table.
func (c *Client) FilterList() (*FilterListResponse, error) {
	var result FilterListResponse
	if err := c.call(CmdFilterList, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FilterAdd adds a rule. rangeSpec is "a-b", a single address or a CIDR.
func (c *Client) FilterAdd(rangeSpec, access string) error {
	return c.call(CmdFilterAdd, FilterAddRequest{Range: rangeSpec, Access: access}, nil)
}

// FilterCheck asks how the gate treats addr. With a torrent ID the
// torrent's apply-ip-filter flag is used for the connect decision.
func (c *Client) FilterCheck(addr, torrent string) (*FilterCheckResponse, error) {
	var result FilterCheckResponse
	if err := c.call(CmdFilterCheck, FilterCheckRequest{Addr: addr, Torrent: torrent}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FilterClear removes every rule.
func (c *Client) FilterClear() error {
	return c.call(CmdFilterClear, nil, nil)
}

// FilterImport loads a blocklist file on the daemon side.
func (c *Client) FilterImport(path string) (*FilterImportResponse, error) {
	var result FilterImportResponse
	if err := c.call(CmdFilterImport, FilterImportRequest{Path: path}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TorrentList lists the session's torrents.
func (c *Client) TorrentList() ([]TorrentDetail, error) {
	var result []TorrentDetail
	if err := c.call(CmdTorrentList, nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// TorrentSetFilter sets a torrent's apply-ip-filter flag.
func (c *Client) TorrentSetFilter(torrent string, apply bool) error {
	return c.call(CmdTorrentSetFilter, TorrentSetFilterRequest{Torrent: torrent, Apply: apply}, nil)
}
