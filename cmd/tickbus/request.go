package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/fxsml/tickbus/rpc"
)

func newRequestCmd(a *app) *cobra.Command {
	var (
		contentType string
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request EXCHANGE ROUTING_KEY [BODY]",
		Short: "Send a request and print the reply",
		Long: `request publishes a message with a correlation id and a transient reply
queue, then prints the body of the first matching reply.`,
		Example: `  tickbus request "" rpc.echo hello
  tickbus request services time.now --timeout 2s`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readBody(cmd.InOrStdin(), args[2:])
			if err != nil {
				return err
			}
			return a.request(cmd.Context(), cmd.OutOrStdout(), args[0], args[1], body, contentType, timeout)
		},
	}
	cmd.Flags().StringVar(&contentType, "content-type", "", "content type of the body")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the reply")
	return cmd
}

func (a *app) request(ctx context.Context, out io.Writer, exchange, routingKey string, body []byte, contentType string, timeout time.Duration) error {
	c, err := a.newClient()
	if err != nil {
		return err
	}
	defer c.Close()

	caller, err := rpc.NewCaller(c, rpc.CallerConfig{Timeout: timeout, ContentType: contentType})
	if err != nil {
		return err
	}
	defer caller.Close()

	stopMetrics, err := a.serveMetrics(c)
	if err != nil {
		return err
	}
	defer stopMetrics()

	if err := c.Connect(); err != nil {
		return err
	}
	if err := a.awaitConnected(ctx, c); err != nil {
		return err
	}

	var (
		result rpc.Result
		done   bool
	)
	caller.Call(exchange, routingKey, body, func(r rpc.Result) {
		result, done = r, true
	})
	if err := a.until(ctx, c, func() bool { return done }); err != nil {
		return err
	}
	if result.Err != nil {
		if errors.Is(result.Err, rpc.ErrTimeout) {
			return fmt.Errorf("no reply within %s", timeout)
		}
		return result.Err
	}

	a.log.Debug("reply received", "correlation_id", result.Delivery.CorrelationID, "bytes", len(result.Delivery.Body))
	if _, err := out.Write(result.Body()); err != nil {
		return err
	}
	_, err = fmt.Fprintln(out)
	return err
}
