// Command kbgauth-loadtest drives the Redis stores behind two-step login,
// the TOTP replay guard and reset tokens, and prints per-phase latency
// percentiles.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kbgapp/kbgauth/internal/stores"
	"github.com/redis/go-redis/v9"
)

func main() {
	var (
		challenges  = flag.Int("challenges", 100000, "number of login challenges to seed")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		ops         = flag.Int("ops", 200000, "operations per phase")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "lt", "key prefix for all stores")
	)
	flag.Parse()

	if *challenges <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "challenges, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	challengeStore := stores.NewLoginChallengeStore(client, *prefix+":alc", time.Now)
	replay := stores.NewTOTPReplayGuard(client, *prefix+":atr")
	resets := stores.NewResetTokenStore(client, *prefix+":apr", time.Now)

	ids := make([]string, *challenges)
	fmt.Printf("seeding %d challenges...\n", *challenges)
	startSeed := time.Now()
	for i := range ids {
		ids[i] = fmt.Sprintf("ch-%d", i)
		rec := &stores.LoginChallenge{
			UserID:    int64(i + 1),
			Email:     "user" + strconv.Itoa(i) + "@example.com",
			ExpiresAt: time.Now().Add(time.Hour).UnixMilli(),
		}
		if err := challengeStore.Save(ctx, ids[i], rec, time.Hour); err != nil {
			fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	getStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		_, err := challengeStore.Get(ctx, ids[r.Intn(len(ids))])
		return err
	})

	// No attempt cap, so every challenge survives for the delete phase.
	failureStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		_, err := challengeStore.RecordFailure(ctx, ids[r.Intn(len(ids))], 0)
		return err
	})

	var rejected int64
	claimStats := runPhase(*ops, *concurrency, func(r *rand.Rand, _ int) error {
		ok, err := replay.Claim(ctx, int64(r.Intn(*challenges)+1), int64(r.Intn(64)), 90*time.Second)
		if err == nil && !ok {
			atomic.AddInt64(&rejected, 1)
		}
		return err
	})

	resetStats := runPhase(*ops, *concurrency, func(r *rand.Rand, i int) error {
		sum := sha256.Sum256([]byte(strconv.Itoa(i)))
		return resets.IssueOrReplace(ctx, int64(r.Intn(*challenges)+1), hex.EncodeToString(sum[:]), time.Now().Add(time.Hour))
	})

	deleteStats := runPhase(len(ids), *concurrency, func(_ *rand.Rand, i int) error {
		_, err := challengeStore.Delete(ctx, ids[i])
		return err
	})

	fmt.Println("---- results ----")
	printStats("challenge-get", getStats)
	printStats("challenge-failure", failureStats)
	printStats("replay-claim", claimStats)
	fmt.Printf("replay-claim: rejected=%d (step already claimed)\n", rejected)
	printStats("reset-issue", resetStats)
	printStats("challenge-delete", deleteStats)
}

// runPhase calls op ops times across concurrency workers. op receives a
// per-worker source and the operation index.
func runPhase(ops, concurrency int, op func(r *rand.Rand, i int) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r, i)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
