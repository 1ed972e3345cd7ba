package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hire-africa/docavailable-sub012/internal/config"
	"github.com/hire-africa/docavailable-sub012/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	StartRatio   float64
	ReplyRatio   float64
	ReadRatio    float64
	EndRatio     float64
	CallRatio    float64
	PatientLimit int
	DoctorLimit  int
	PostgresDSN  string
}

type liveSession struct {
	ID      uuid.UUID
	Ref     string
	Patient uuid.UUID
	Doctor  uuid.UUID
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID
	mu       sync.RWMutex
	sessions []liveSession
}

func (dp *DataPool) AddSession(s liveSession) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.sessions = append(dp.sessions, s)
}

func (dp *DataPool) GetRandomSession() (liveSession, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.sessions) == 0 {
		return liveSession{}, false
	}
	return dp.sessions[rand.Intn(len(dp.sessions))], true
}

// TakeRandomSession removes the session from the pool so only one worker ends it.
func (dp *DataPool) TakeRandomSession() (liveSession, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.sessions) == 0 {
		return liveSession{}, false
	}
	idx := rand.Intn(len(dp.sessions))
	s := dp.sessions[idx]
	dp.sessions[idx] = dp.sessions[len(dp.sessions)-1]
	dp.sessions = dp.sessions[:len(dp.sessions)-1]
	return s, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	StartText   OperationMetrics
	DoctorReply OperationMetrics
	ReadStatus  OperationMetrics
	EndText     OperationMetrics
	CallCycle   OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d start=%.2f reply=%.2f read=%.2f end=%.2f call=%.2f",
		cfg.Duration, cfg.Workers, cfg.StartRatio, cfg.ReplyRatio, cfg.ReadRatio, cfg.EndRatio, cfg.CallRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d doctors", len(dataPool.Patients), len(dataPool.Doctors))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		StartRatio:   getFloat("SIM_START_RATIO", 0.3),
		ReplyRatio:   getFloat("SIM_REPLY_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.25),
		EndRatio:     getFloat("SIM_END_RATIO", 0.15),
		CallRatio:    getFloat("SIM_CALL_RATIO", 0.1),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 50),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.StartRatio + cfg.ReplyRatio + cfg.ReadRatio + cfg.EndRatio + cfg.CallRatio
	if total > 0 {
		cfg.StartRatio /= total
		cfg.ReplyRatio /= total
		cfg.ReadRatio /= total
		cfg.EndRatio /= total
		cfg.CallRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `
		SELECT id FROM patients LIMIT $1
	`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	rows, err = pool.Query(ctx, `
		SELECT id FROM doctors LIMIT $1
	`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, id)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.StartRatio:
				s.doStartText(ctx, rng)
			case r < s.config.StartRatio+s.config.ReplyRatio:
				s.doDoctorReply(ctx, rng)
			case r < s.config.StartRatio+s.config.ReplyRatio+s.config.ReadRatio:
				s.doReadStatus(ctx, rng)
			case r < s.config.StartRatio+s.config.ReplyRatio+s.config.ReadRatio+s.config.EndRatio:
				s.doEndText(ctx, rng)
			default:
				s.doCallCycle(ctx, rng)
			}
		}
	}
}

// post issues a JSON POST on behalf of the given user and returns the response.
func (s *Simulator) post(ctx context.Context, path string, asUser uuid.UUID, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.config.APIBaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", asUser.String())
	return s.client.Do(req)
}

func (s *Simulator) doStartText(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	start := time.Now()

	resp, err := s.post(ctx, "/text-sessions", patientID, map[string]string{
		"patient_id": patientID.String(),
		"doctor_id":  doctorID.String(),
		"reason":     "load test",
	})
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusCreated {
			success = true
			var sessResp struct {
				ID  uuid.UUID `json:"id"`
				Ref string    `json:"ref"`
			}
			bodyBytes, _ := io.ReadAll(resp.Body)
			if len(bodyBytes) > 0 {
				json.Unmarshal(bodyBytes, &sessResp)
				if sessResp.ID != uuid.Nil {
					s.pool.AddSession(liveSession{
						ID:      sessResp.ID,
						Ref:     sessResp.Ref,
						Patient: patientID,
						Doctor:  doctorID,
					})
				}
			}
		} else if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPaymentRequired {
			// Open pair or exhausted balance counts as contention, not failure.
			conflict = true
		}
	}

	s.metrics.StartText.Record(latency, success, conflict)
}

func (s *Simulator) doDoctorReply(ctx context.Context, rng *rand.Rand) {
	sess, ok := s.pool.GetRandomSession()
	if !ok {
		return
	}

	start := time.Now()

	resp, err := s.post(ctx, fmt.Sprintf("/text-sessions/%s/doctor-message", sess.ID), sess.Doctor, nil)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.DoctorReply.Record(latency, success, conflict)
}

func (s *Simulator) doReadStatus(ctx context.Context, rng *rand.Rand) {
	sess, ok := s.pool.GetRandomSession()
	if !ok {
		return
	}

	start := time.Now()

	req, _ := http.NewRequestWithContext(ctx, "GET",
		fmt.Sprintf("%s/sessions/%s", s.config.APIBaseURL, sess.Ref), nil)
	req.Header.Set("X-User-ID", sess.Patient.String())

	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success := false
	if err == nil {
		defer resp.Body.Close()
		success = resp.StatusCode == http.StatusOK
	}

	s.metrics.ReadStatus.Record(latency, success, false)
}

func (s *Simulator) doEndText(ctx context.Context, rng *rand.Rand) {
	sess, ok := s.pool.TakeRandomSession()
	if !ok {
		return
	}

	start := time.Now()

	resp, err := s.post(ctx, fmt.Sprintf("/text-sessions/%s/end", sess.ID), sess.Patient, map[string]int64{
		"reported_seconds": int64(rng.Intn(1800)),
	})
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			success = true
		} else if resp.StatusCode == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.EndText.Record(latency, success, conflict)
}

// doCallCycle drives one voice call through its whole lifecycle so the
// promotion and deduction paths see load, not just the text flow.
func (s *Simulator) doCallCycle(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doctorID := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]

	start := time.Now()
	success := false
	conflict := false

	defer func() {
		s.metrics.CallCycle.Record(time.Since(start), success, conflict)
	}()

	resp, err := s.post(ctx, "/call-sessions", patientID, map[string]string{
		"patient_id": patientID.String(),
		"doctor_id":  doctorID.String(),
		"call_type":  "voice",
	})
	if err != nil {
		return
	}
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	bodyBytes, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPaymentRequired {
		conflict = true
		return
	}
	if resp.StatusCode != http.StatusCreated {
		return
	}
	json.Unmarshal(bodyBytes, &created)
	if created.ID == uuid.Nil {
		return
	}

	for _, step := range []string{"answer", "connected"} {
		resp, err = s.post(ctx, fmt.Sprintf("/call-sessions/%s/%s", created.ID, step), doctorID, nil)
		if err != nil {
			return
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return
		}
	}

	resp, err = s.post(ctx, fmt.Sprintf("/call-sessions/%s/end", created.ID), patientID, map[string]any{
		"reported_seconds": int64(rng.Intn(600)),
		"was_connected":    true,
	})
	if err != nil {
		return
	}
	resp.Body.Close()
	success = resp.StatusCode == http.StatusOK
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Start Text Session", &s.metrics.StartText)
	printOperationReport("Doctor Reply", &s.metrics.DoctorReply)
	printOperationReport("Read Status", &s.metrics.ReadStatus)
	printOperationReport("End Text Session", &s.metrics.EndText)
	printOperationReport("Call Cycle", &s.metrics.CallCycle)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	errored := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if errored > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", errored, float64(errored)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
