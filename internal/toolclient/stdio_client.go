package toolclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/logger"
)

const defaultCallTimeout = 60 * time.Second

// StdioClient talks JSON-RPC to a subprocess over its stdin/stdout, one JSON
// document per line.
type StdioClient struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	lines   chan []byte
	timeout time.Duration
	log     *logger.Logger

	mu     sync.Mutex
	nextID int64
	dead   bool
}

// NewStdioClient spawns the tool subprocess and starts its reader.
func NewStdioClient(cfg *config.ToolCommandConfig, log *logger.Logger) (*StdioClient, error) {
	if cfg == nil || len(cfg.Exec) == 0 {
		return nil, fmt.Errorf("command tool requires an exec line")
	}
	if log == nil {
		log = logger.Global()
	}

	cmd := exec.Command(cfg.Exec[0], cfg.Exec[1:]...)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open tool stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open tool stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start tool %q: %w", cfg.Exec[0], err)
	}

	timeout := defaultCallTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	c := &StdioClient{
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan []byte, 8),
		timeout: timeout,
		log:     log,
	}
	go c.readLoop(stdout)

	return c, nil
}

func (c *StdioClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		select {
		case c.lines <- line:
		default:
			// Buffer full with no call draining it. Shed the oldest
			// buffered line rather than wedge the reader; the loop is
			// the only sender, so the retry cannot block.
			select {
			case <-c.lines:
				c.log.Warn("dropping unsolicited tool output line")
			default:
			}
			c.lines <- line
		}
	}
	close(c.lines)

	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()

	_ = c.cmd.Wait()
}

func (c *StdioClient) Invoke(ctx context.Context, method string, args interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return nil, fmt.Errorf("tool process has exited")
	}

	c.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: args}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode rpc request: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := c.stdin.Write(payload); err != nil {
		c.dead = true
		return nil, fmt.Errorf("failed to write rpc request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-c.lines:
			if !ok {
				c.dead = true
				return nil, fmt.Errorf("tool process closed its output")
			}

			var resp rpcResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				c.log.Warn("discarding malformed tool output: %s", string(line))
				continue
			}
			if resp.ID != req.ID {
				// Stale response from an earlier timed-out call.
				continue
			}
			if resp.Error != nil {
				return nil, resp.Error.Err()
			}
			return resp.Result, nil
		case <-timer.C:
			return nil, fmt.Errorf("tool call %q timed out after %s", method, c.timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *StdioClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *StdioClient) Close() error {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil
	}
	c.dead = true
	c.mu.Unlock()

	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		return c.cmd.Process.Kill()
	}
	return nil
}
