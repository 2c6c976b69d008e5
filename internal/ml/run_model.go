package ml

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Ritesh313/DeepTreeAttention/internal/preprocess"
)

const predictMethod = "/deeptreeattention.Classifier/Predict"

// Client runs the species classifier hosted by the model service. Requests
// and replies are structpb documents:
//
//	request: {"images": [{"shape": [bands, h, w], "data": [...]}, ...]}
//	reply:   {"scores": [[class scores], ...]}
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, timeout: time.Second * 60 * 15}
}

func (c *Client) Predict(ctx context.Context, images []preprocess.Tensor) ([][]float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"images": structpb.NewListValue(convertToProtoImages(images)),
	}}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, predictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("error calling RunModel: %w", err)
	}
	return convertToScores(resp)
}

func numbers[T int | float64](values []T) *structpb.ListValue {
	list := &structpb.ListValue{Values: make([]*structpb.Value, len(values))}
	for i, v := range values {
		list.Values[i] = structpb.NewNumberValue(float64(v))
	}
	return list
}

func convertToProtoImages(images []preprocess.Tensor) *structpb.ListValue {
	list := &structpb.ListValue{}
	for _, img := range images {
		list.Values = append(list.Values, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"shape": structpb.NewListValue(numbers(img.Shape)),
			"data":  structpb.NewListValue(numbers(img.Data)),
		}}))
	}
	return list
}

func convertToScores(resp *structpb.Struct) ([][]float64, error) {
	rows := resp.GetFields()["scores"].GetListValue().GetValues()
	scores := make([][]float64, 0, len(rows))
	for i, row := range rows {
		values := row.GetListValue().GetValues()
		out := make([]float64, 0, len(values))
		for j, v := range values {
			n, ok := v.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, fmt.Errorf("score %d of image %d is not a number", j, i)
			}
			out = append(out, n.NumberValue)
		}
		scores = append(scores, out)
	}
	return scores, nil
}
