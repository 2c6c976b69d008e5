package crown

import (
	"context"
	"net"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// serveDetector starts an in-memory crown detection service that answers
// every request with one box per call around the requested bounds centre.
func serveDetector(t *testing.T, seen chan<- *structpb.Struct) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "deepforest.CrownDetection",
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Predict",
			Handler: func(_ any, _ context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				req := new(structpb.Struct)
				if err := dec(req); err != nil {
					return nil, err
				}
				seen <- req
				b := req.GetFields()["bounds"].GetListValue().AsSlice()
				cx := (b[0].(float64) + b[2].(float64)) / 2
				cy := (b[1].(float64) + b[3].(float64)) / 2
				return structpb.NewStruct(map[string]any{
					"boxes": []any{
						map[string]any{"xmin": cx - 1, "ymin": cy - 1, "xmax": cx + 1, "ymax": cy + 1},
					},
				})
			},
		}},
	}, struct{}{})
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
	})
	return conn
}

func TestClientDetect(t *testing.T) {
	seen := make(chan *structpb.Struct, 1)
	client := NewClient(serveDetector(t, seen))

	bounds := orb.Bound{Min: orb.Point{10, 20}, Max: orb.Point{30, 40}}
	boxes, err := client.Detect(context.Background(), "/data/rgb/2019_OSBS_404000_3285000_image.tif", bounds)
	require.NoError(t, err)
	assert.Equal(t, []orb.Bound{{Min: orb.Point{19, 29}, Max: orb.Point{21, 31}}}, boxes)

	req := <-seen
	assert.Equal(t, "/data/rgb/2019_OSBS_404000_3285000_image.tif", req.GetFields()["rgb_path"].GetStringValue())
}

func TestBoxesFromReplyRejectsMalformedBox(t *testing.T) {
	resp, err := structpb.NewStruct(map[string]any{
		"boxes": []any{map[string]any{"xmin": 1.0, "ymin": 1.0, "xmax": "wide"}},
	})
	require.NoError(t, err)
	_, err = boxesFromReply(resp)
	assert.Error(t, err)

	boxes, err := boxesFromReply(&structpb.Struct{})
	require.NoError(t, err)
	assert.Empty(t, boxes)
}
