package client

import (
	"context"
	"fmt"

	"frak-rpc/message"
)

// RequestAs calls method and decodes its result into T.
func RequestAs[T any](ctx context.Context, c *Client, method string, params any) (T, error) {
	var out T
	result, err := c.Request(ctx, method, params)
	if err != nil {
		return out, err
	}
	if typed, ok := result.(T); ok {
		return typed, nil
	}
	if err := message.Decode(result, &out); err != nil {
		return out, fmt.Errorf("decode %s result: %w", method, err)
	}
	return out, nil
}
