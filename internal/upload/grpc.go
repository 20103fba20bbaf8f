package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

// The ingest service speaks JSON over gRPC; there is no generated stub, the
// batch is invoked directly with a registered JSON codec.
const pushMethod = "/uplink.Ingest/PushBatch"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type pushResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// GRPCSink uploads batches to the ingest gRPC service.
type GRPCSink struct {
	conn *grpc.ClientConn
}

func NewGRPCSink(addr string) (*GRPCSink, error) {
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("upload: grpc dial %s: %w", addr, err)
	}
	return &GRPCSink{conn: conn}, nil
}

func (g *GRPCSink) Upload(ctx context.Context, b Batch) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var res pushResponse
	err := g.conn.Invoke(ctx, pushMethod, &b, &res, grpc.CallContentSubtype("json"))
	if err != nil {
		return fmt.Errorf("upload: push batch: %w", err)
	}
	if !res.Accepted {
		return fmt.Errorf("upload: ingest rejected session %s: %s", b.Session.ID, res.Message)
	}
	return nil
}

func (g *GRPCSink) Close() error {
	return g.conn.Close()
}
