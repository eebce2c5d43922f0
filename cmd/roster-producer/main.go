package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/chat-identity/internal/domain"
	"github.com/google/uuid"
)

var namePrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

// simPlayer is a fake account with a stable id
type simPlayer struct {
	id     uuid.UUID
	name   string
	online bool
}

func newSimPlayers(n int) []*simPlayer {
	players := make([]*simPlayer, n)
	for i := range players {
		prefix := namePrefixes[i%len(namePrefixes)]
		players[i] = &simPlayer{
			// Name-derived ids keep runs repeatable against the same database
			id:   uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("sim-player-%d", i))),
			name: fmt.Sprintf("%s%d", prefix, i/len(namePrefixes)+1),
		}
	}
	return players
}

func main() {
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "player-roster", "Kafka topic")
	totalPlayers := flag.Int("players", 200, "Number of simulated players")
	eventsPerSecond := flag.Int("rate", 20, "Join/leave events per second")
	renameChance := flag.Int("rename", 5, "Percent chance a join uses a new name")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *totalPlayers <= 0 || *eventsPerSecond <= 0 {
		log.Fatal("players and rate must be positive")
	}

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Roster event producer")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Brokers:          %s\n", *brokers)
	fmt.Printf("  Topic:            %s\n", *topic)
	fmt.Printf("  Players:          %d\n", *totalPlayers)
	fmt.Printf("  Events/sec:       %d\n", *eventsPerSecond)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	// Same player, same partition: joins and leaves stay ordered
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	send := func(event domain.RosterEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			log.Printf("Failed to marshal event: %v", err)
			return
		}
		producer.Input() <- &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(event.PlayerID.String()),
			Value: sarama.ByteEncoder(data),
		}
	}

	shutdown := func(reason string) {
		fmt.Printf("\n\n%s\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("\nCompleted. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	players := newSimPlayers(*totalPlayers)
	var onlineCount, eventCount int64

	ticker := time.NewTicker(time.Second / time.Duration(*eventsPerSecond))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	for {
		select {
		case <-sigChan:
			shutdown("Shutting down...")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached, shutting down...")
				return
			}

			p := players[rand.Intn(len(players))]
			event := domain.RosterEvent{PlayerID: p.id, Timestamp: time.Now()}
			if p.online {
				event.Type = domain.RosterLeave
				onlineCount--
			} else {
				if rand.Intn(100) < *renameChance {
					p.name = fmt.Sprintf("%s%d", namePrefixes[rand.Intn(len(namePrefixes))], rand.Intn(1000))
				}
				event.Type = domain.RosterJoin
				event.Name = p.name
				onlineCount++
			}
			p.online = !p.online
			send(event)
			eventCount++

		case <-statsTicker.C:
			fmt.Printf("[%s] Events: %d | Online: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				eventCount,
				onlineCount,
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
