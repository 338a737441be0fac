//go:build integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Sternrassler/statvar-ingest/internal/testutil"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}
	return endpoint
}

// Two runs with separate output dirs share responses through Redis.
func TestUSDACommand_Integration_RedisCache(t *testing.T) {
	addr := startRedis(t)

	mock := testutil.NewMockAPI()
	defer mock.Close()
	mock.SetResponse("/get_param_values", testutil.NewJSONResponse(`{"county_name": ["KERN"]}`))
	mock.SetResponse("/api_GET", testutil.NewJSONResponse(`{"data": [
		{"short_desc": "CORN - ACRES PLANTED", "domaincat_desc": "", "value": "7", "year": 2023, "state_fips_code": "06", "county_code": "029"}
	]}`))
	svFile := writeFile(t, filepath.Join(t.TempDir(), "sv.csv"), "name,sv,unit\nCORN - ACRES PLANTED,Area_Farm_Corn,Acre\n")

	for run := range 2 {
		cfg := testConfig(t)
		err := execute(t, cfg, "usda",
			"--redis-addr", addr, "--cache-backend", "redis",
			"--api-key", "k", "--base-url", mock.URL(), "--sv-file", svFile)
		if err != nil {
			t.Fatalf("run %d: usda error = %v", run, err)
		}
		data, err := os.ReadFile(filepath.Join(cfg.OutputDir, "ag-2023.csv"))
		if err != nil {
			t.Fatalf("run %d: aggregate missing: %v", run, err)
		}
		want := "variableMeasured,observationDate,observationAbout,value,unit\nArea_Farm_Corn,2023,dcid:geoId/06029,7,Acre\n"
		if string(data) != want {
			t.Errorf("run %d: ag-2023.csv =\n%s\nwant\n%s", run, data, want)
		}
	}

	if n := mock.PathCount("/api_GET"); n != 1 {
		t.Errorf("api_GET calls = %d, want 1 (second run served from Redis)", n)
	}
}
