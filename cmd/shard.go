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

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/swaptacular/swpt-debtors/swptid"
)

// shardCommands defines the "shard" command, printing the debtor-ID
// interval this node is responsible for and the matching URIs, which
// helps with splitting a shard in two.
func shardCommands(s *swptInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shard",
		Short: "print the shard's debtor-ID interval",
		Run: func(cmd *cobra.Command, args []string) {
			min := s.cnf.Shard.MinDebtorID
			max := s.cnf.Shard.MaxDebtorID
			fmt.Printf("Debtor IDs: [%d, %d)\n", min, max)
			fmt.Printf("First URI:  %s\n", swptid.EncodeDebtorURI(min))
			fmt.Printf("Last URI:   %s\n", swptid.EncodeDebtorURI(max-1))
			fmt.Printf("Out queues: %d (prefix %q)\n", s.cnf.Queue.NumberOfQueues, s.cnf.Queue.OutQueuePrefix)
		},
	}
	return cmd
}
