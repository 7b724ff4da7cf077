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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swaptacular/swpt-debtors/config"
)

func TestCLIConfigFlag(t *testing.T) {
	cli := NewCLI()
	flag := cli.cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "./swpt.json", flag.DefValue)

	require.NoError(t, cli.cmd.PersistentFlags().Set("config", "/etc/swpt/custom.json"))
	assert.Equal(t, "/etc/swpt/custom.json", flag.Value.String())
}

func TestLoadConfigurationHonorsPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")
	sample := config.Configuration{
		ProjectName: "Custom Path Node",
		DataSource:  config.DataSourceConfig{Dns: "postgres://localhost:5432/swpt"},
		Redis:       config.RedisConfig{Dns: "localhost:6379"},
		Shard:       config.ShardConfig{MinDebtorID: 0, MaxDebtorID: 1 << 40},
	}
	body, err := json.Marshal(sample)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	cnf, err := loadConfiguration(path)
	require.NoError(t, err)
	assert.Equal(t, "Custom Path Node", cnf.ProjectName)
	assert.Equal(t, int64(1<<40), cnf.Shard.MaxDebtorID)
}
