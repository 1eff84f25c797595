//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enricher/internal/registry/cache"
	"enricher/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *cache.RedisCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.Require().NoError(s.redis.Health(context.Background()))
	var err error
	s.cache, err = cache.NewRedisCache(s.redis.Client, time.Minute)
	s.Require().NoError(err)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestRoundTrip() {
	ctx := context.Background()

	_, found, err := s.cache.Get(ctx, "K-1")
	s.Require().NoError(err)
	s.False(found)

	s.Require().NoError(s.cache.Put(ctx, "K-1", []byte(`{"valid":true}`)))
	payload, found, err := s.cache.Get(ctx, "K-1")
	s.Require().NoError(err)
	s.True(found)
	s.JSONEq(`{"valid":true}`, string(payload))
}

func (s *RedisCacheSuite) TestEntriesExpire() {
	ctx := context.Background()
	short, err := cache.NewRedisCache(s.redis.Client, time.Second)
	s.Require().NoError(err)

	s.Require().NoError(short.Put(ctx, "K-2", []byte(`{}`)))
	time.Sleep(1500 * time.Millisecond)

	_, found, err := short.Get(ctx, "K-2")
	s.Require().NoError(err)
	s.False(found)
}

func (s *RedisCacheSuite) TestRawKeyNeverStored() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Put(ctx, "19850101-1234", []byte(`{}`)))

	keys, err := s.redis.Client.Keys(ctx, "*").Result()
	s.Require().NoError(err)
	s.Require().Len(keys, 1)
	s.NotContains(keys[0], "19850101-1234")
}
