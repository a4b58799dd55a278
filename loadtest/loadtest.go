package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssuji15/xsonic/model"
)

func main() {
	base := flag.String("url", "http://localhost:8080", "xsonic server base url")
	user := flag.String("user", "loadtest", "user submitting the jobs")
	totalRequests := flag.Int("n", 100, "number of submissions")
	ratePerSecond := flag.Int("rate", 5, "submissions per second")
	gpu := flag.Bool("gpu", false, "submit gpu jobs")
	flag.Parse()

	url := *base + "/v1/jobs"
	tool := model.ToolTranscode
	if *gpu {
		tool = model.ToolStemSeparation
	}

	ticker := time.NewTicker(time.Second / time.Duration(*ratePerSecond))
	defer ticker.Stop()

	var wg sync.WaitGroup
	client := &http.Client{Timeout: 30 * time.Second}

	for i := 1; i <= *totalRequests; i++ {
		<-ticker.C // enforce rate limit

		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			jsonData, _ := json.Marshal(model.JobRequest{
				UserID:          *user,
				ToolType:        string(tool),
				Requirements:    model.Requirements{RequiresCPU: !*gpu, RequiresGPU: *gpu},
				IdempotencyKey:  uuid.NewString(),
				InputFile:       fmt.Sprintf("uploads/loadtest-%d.wav", n),
				FileSizeBytes:   4 * 1024 * 1024,
				DurationSeconds: 30,
			})

			req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonData))
			if err != nil {
				fmt.Printf("Request %d: error creating request: %v\n", n, err)
				return
			}

			req.Header.Set("Content-Type", "application/json")

			resp, err := client.Do(req)
			if err != nil {
				fmt.Printf("Request %d: error sending request: %v\n", n, err)
				return
			}
			defer resp.Body.Close()

			bodyBytes, err := io.ReadAll(resp.Body)
			if err != nil {
				log.Fatal(err)
			}

			fmt.Printf("Request %d -> Status: %d, content: %s\n", n, resp.StatusCode, string(bodyBytes))
		}(i)
	}

	wg.Wait()
	fmt.Println("All requests completed")
}
