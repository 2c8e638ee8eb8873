/*
Copyright 2024 Aussie Gateway Authors

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

package service

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussieproj/aussie/lib/config"
	logutils "github.com/aussieproj/aussie/lib/utils/log"
)

func TestMain(m *testing.M) {
	logutils.InitForTests()
	os.Exit(m.Run())
}

func TestNewFromEmptyConfig(t *testing.T) {
	fc, err := config.ReadConfig(strings.NewReader(""))
	require.NoError(t, err)

	svc, err := New(context.Background(), fc)
	require.NoError(t, err)
	require.NotNil(t, svc.gatewaySrv.Handler)
	require.NotNil(t, svc.adminSrv.Handler)
	require.NoError(t, svc.stores.Close())
}

func TestRunStopsOnCancel(t *testing.T) {
	fc, err := config.ReadConfig(strings.NewReader(
		"gateway:\n  listen_addr: 127.0.0.1:0\nadmin:\n  listen_addr: 127.0.0.1:0\n"))
	require.NoError(t, err)

	svc, err := New(context.Background(), fc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("service did not stop after cancellation")
	}
}
