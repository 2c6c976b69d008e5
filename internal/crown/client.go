package crown

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const predictMethod = "/deepforest.CrownDetection/Predict"

// Client calls the crown detection service. Requests and replies are
// structpb documents:
//
//	request: {"rgb_path": string, "bounds": [left, bottom, right, top]}
//	reply:   {"boxes": [{"xmin", "ymin", "xmax", "ymax"}, ...]}
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, timeout: 5 * time.Minute}
}

func (c *Client) Detect(ctx context.Context, tile string, bounds orb.Bound) ([]orb.Bound, error) {
	req, err := structpb.NewStruct(map[string]any{
		"rgb_path": tile,
		"bounds":   []any{bounds.Min.X(), bounds.Min.Y(), bounds.Max.X(), bounds.Max.Y()},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build crown request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, predictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("error calling crown detection: %w", err)
	}
	return boxesFromReply(resp)
}

func boxesFromReply(resp *structpb.Struct) ([]orb.Bound, error) {
	values := resp.GetFields()["boxes"].GetListValue().GetValues()
	boxes := make([]orb.Bound, 0, len(values))
	for i, v := range values {
		fields := v.GetStructValue().GetFields()
		coords := make([]float64, 4)
		for j, key := range []string{"xmin", "ymin", "xmax", "ymax"} {
			n, ok := fields[key].GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("box %d has no numeric %s", i, key)
			}
			coords[j] = n.NumberValue
		}
		boxes = append(boxes, orb.Bound{
			Min: orb.Point{coords[0], coords[1]},
			Max: orb.Point{coords[2], coords[3]},
		})
	}
	return boxes, nil
}
