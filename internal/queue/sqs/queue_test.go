package sqsqueue

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

func TestReceiveCount(t *testing.T) {
	attr := string(types.MessageSystemAttributeNameApproximateReceiveCount)

	cases := []struct {
		name string
		msg  types.Message
		want int
	}{
		{"first delivery", types.Message{Attributes: map[string]string{attr: "1"}}, 1},
		{"redriven", types.Message{Attributes: map[string]string{attr: "4"}}, 4},
		{"missing attribute", types.Message{}, 1},
		{"garbage", types.Message{Attributes: map[string]string{attr: "many"}}, 1},
		{"zero clamps up", types.Message{Attributes: map[string]string{attr: "0"}}, 1},
	}
	for _, c := range cases {
		if got := receiveCount(c.msg); got != c.want {
			t.Fatalf("%s: receiveCount = %d, want %d", c.name, got, c.want)
		}
	}
}
