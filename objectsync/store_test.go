package objectsync_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"woreda-stats/objectsync"
)

const (
	minioUser     = "minioadmin"
	minioPassword = "minioadmin"
)

// setupMinio starts a MinIO container and returns its endpoint URL.
func setupMinio(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     minioUser,
			"MINIO_ROOT_PASSWORD": minioPassword,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)
	return host + ":" + port.Port()
}

func seedBucket(t *testing.T, endpoint, bucket string, objects map[string]string) {
	t.Helper()
	ctx := context.Background()
	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(minioUser, minioPassword, ""),
	})
	require.NoError(t, err)
	require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	for key, body := range objects {
		_, err := client.PutObject(ctx, bucket, key, strings.NewReader(body), int64(len(body)), minio.PutObjectOptions{})
		require.NoError(t, err)
	}
}

func TestMinioStore_Sync(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	endpoint := setupMinio(t)
	seedBucket(t, endpoint, "ee-exports", map[string]string{
		"sentinel2/s2_101.csv": "Woreda_ID,mean\n101,0.42\n",
		"sentinel2/s2_102.csv": "Woreda_ID,mean\n102,0.37\n",
		"era5/era5_101.csv":    "Woreda_ID,mean\n101,291.1\n",
	})

	store, err := objectsync.NewMinioStore(objectsync.StoreConfig{
		Endpoint:        "http://" + endpoint,
		AccessKeyID:     minioUser,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)

	dir := t.TempDir()
	summary, err := objectsync.Sync(context.Background(), store, "ee-exports", "sentinel2/", dir)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Downloaded)
	assert.Equal(t, 0, summary.Failed)

	body, err := os.ReadFile(filepath.Join(dir, "s2_102.csv"))
	require.NoError(t, err)
	assert.Equal(t, "Woreda_ID,mean\n102,0.37\n", string(body))
	_, err = os.Stat(filepath.Join(dir, "era5_101.csv"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	again, err := objectsync.Sync(context.Background(), store, "ee-exports", "sentinel2/", dir)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Downloaded)
	assert.Equal(t, 2, again.Skipped)
}

func TestMinioStore_MissingBucket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	endpoint := setupMinio(t)
	store, err := objectsync.NewMinioStore(objectsync.StoreConfig{
		Endpoint:        "http://" + endpoint,
		AccessKeyID:     minioUser,
		SecretAccessKey: minioPassword,
	})
	require.NoError(t, err)

	_, err = store.ListObjects(context.Background(), "does-not-exist", "")
	var storeErr *objectsync.Error
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, objectsync.CodeBucketNotFound, storeErr.Code)
	assert.False(t, storeErr.Retryable)
}
