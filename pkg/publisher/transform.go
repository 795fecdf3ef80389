package publisher

import (
	"strings"

	"github.com/jwise-mfg/proveit-uns-machineid/pkg/machineid"
)

// UnwrapSuffix marks topics that receive the bare record instead of the wrapped payload.
const UnwrapSuffix = "MachineIdentificationType"

// Shape picks the body to publish for topic. A topic ending in UnwrapSuffix
// gets the inner record with the wrapper key stripped; every other topic gets
// the payload unmodified. The result depends only on topic and payload.
func Shape(topic string, payload machineid.Payload) (body any, stripped bool) {
	if strings.HasSuffix(topic, UnwrapSuffix) {
		return payload.Inner(), true
	}
	return payload, false
}
