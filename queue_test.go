/*
Copyright 2025 Swaptacular Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package debtors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/swpt-debtors/config"
)

func TestOutQueueName(t *testing.T) {
	cnf := &config.Configuration{
		Queue: config.QueueConfig{OutQueuePrefix: "swpt:out", NumberOfQueues: 4},
	}

	// Routing follows the top bits of the unsigned debtor ID, so each
	// queue owns a contiguous quarter of the ID space.
	assert.Equal(t, "swpt:out_0", outQueueName(cnf, 0))
	assert.Equal(t, "swpt:out_0", outQueueName(cnf, 1<<61))
	assert.Equal(t, "swpt:out_1", outQueueName(cnf, 1<<62))
	assert.Equal(t, "swpt:out_2", outQueueName(cnf, -1<<63)) // u64 bit pattern 0x80...
	assert.Equal(t, "swpt:out_3", outQueueName(cnf, -1))     // u64 bit pattern 0xff...
}

func TestOutQueueNameSingleQueue(t *testing.T) {
	cnf := &config.Configuration{
		Queue: config.QueueConfig{OutQueuePrefix: "swpt:out", NumberOfQueues: 1},
	}
	assert.Equal(t, "swpt:out_0", outQueueName(cnf, 0))
	assert.Equal(t, "swpt:out_0", outQueueName(cnf, -1))
}

func TestOutQueueNameSplitsCleanly(t *testing.T) {
	four := &config.Configuration{Queue: config.QueueConfig{OutQueuePrefix: "q", NumberOfQueues: 4}}
	eight := &config.Configuration{Queue: config.QueueConfig{OutQueuePrefix: "q", NumberOfQueues: 8}}

	// Doubling the queue count splits each queue in two: a debtor
	// routed to queue n moves to queue 2n or 2n+1, never elsewhere.
	for _, debtorID := range []int64{0, 12345, 1 << 61, 1 << 62, -1 << 63, -42, -1} {
		var n4, n8 int
		_, err := fmt.Sscanf(outQueueName(four, debtorID), "q_%d", &n4)
		require.NoError(t, err)
		_, err = fmt.Sscanf(outQueueName(eight, debtorID), "q_%d", &n8)
		require.NoError(t, err)
		assert.Contains(t, []int{2 * n4, 2*n4 + 1}, n8)
	}
}
