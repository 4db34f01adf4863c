package hive

import (
	"context"
	"fmt"
	"sync"
	"time"

	jrpc "github.com/AdamSLevy/jsonrpc2/v13"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/hivepool/payoutd/config"
)

// Client talks to the Hive condenser API over JSON-RPC 2.0. It embeds a
// jsonrpc2.Client, and thus also the http.Client. Public API nodes are
// interchangeable and individually unreliable, so the client keeps an
// ordered candidate list and rotates to the next node whenever a transient
// failure is retried.
//
// Transfers and reward claims require signing, which is delegated to a
// wallet endpoint (cli_wallet style) configured separately. The wallet is
// trusted and never rotated.
type Client struct {
	jrpc.Client

	Nodes        []string
	WalletServer string

	RequestTimeout   time.Duration
	MaxAttempts      int
	TransferAttempts int
	BaseDelay        time.Duration

	mu      sync.Mutex
	current int
}

// NewClient builds a client from the viper config.
func NewClient(conf *viper.Viper) *Client {
	c := new(Client)
	c.Nodes = conf.GetStringSlice(config.HiveNodes)
	c.WalletServer = conf.GetString(config.WalletServer)
	c.RequestTimeout = conf.GetDuration(config.RequestTimeout)
	c.MaxAttempts = conf.GetInt(config.MaxRetries)
	c.TransferAttempts = conf.GetInt(config.TransferRetries)
	c.BaseDelay = conf.GetDuration(config.RetryBaseDelay)
	c.Timeout = c.RequestTimeout
	return c
}

// CurrentNode returns the active API endpoint.
func (c *Client) CurrentNode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Nodes) == 0 {
		return ""
	}
	return c.Nodes[c.current]
}

// Rotate advances to the next API endpoint, wrapping around, and returns it.
func (c *Client) Rotate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.Nodes) == 0 {
		return ""
	}
	c.current = (c.current + 1) % len(c.Nodes)
	return c.Nodes[c.current]
}

// PickNode probes the candidate list in order with a lightweight
// get_dynamic_global_properties call and locks onto the first node that
// answers. Called once at the start of every run.
func (c *Client) PickNode(ctx context.Context) error {
	c.mu.Lock()
	nodes := c.Nodes
	c.mu.Unlock()

	for i, node := range nodes {
		c.mu.Lock()
		c.current = i
		c.mu.Unlock()

		log.WithField("node", node).Debug("probing hive api node")
		if _, err := c.DynamicGlobalProperties(ctx); err != nil {
			log.WithError(err).WithField("node", node).Warn("hive api node failed health check")
			continue
		}
		log.WithField("node", node).Info("using hive api node")
		return nil
	}
	return fmt.Errorf("no working hive api node out of %d candidates", len(nodes))
}

// request performs a single JSON-RPC call against the current node with the
// per-call timeout applied. No retries at this level; callers wrap with
// Retry where that is wanted.
func (c *Client) request(ctx context.Context, method string, params, result interface{}) error {
	node := c.CurrentNode()
	if node == "" {
		return fmt.Errorf("no hive api nodes configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()
	return c.Client.Request(ctx, node, method, params, result)
}

// walletRequest performs a single JSON-RPC call against the wallet endpoint.
func (c *Client) walletRequest(ctx context.Context, method string, params, result interface{}) error {
	if c.WalletServer == "" {
		return fmt.Errorf("no wallet endpoint configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.RequestTimeout)
	defer cancel()
	return c.Client.Request(ctx, c.WalletServer, method, params, result)
}
