package backend

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/strideclub/coach/backend/engine"
	"github.com/strideclub/coach/backend/queue"
	"github.com/strideclub/coach/backend/server"
	"github.com/strideclub/coach/backend/server/notifications/email"
	cache "github.com/strideclub/coach/backend/storage/cache"
	storage "github.com/strideclub/coach/backend/storage/persistent"
)

// RunBackend is the main function that sets up and runs the coaching engine server.
func RunBackend() {

	// Load the .env file.
	err := godotenv.Load("backend/.env")
	if err != nil {
		fmt.Println("Error loading .env file")
	}

	// Read the environment variables from the .env file using os.Getenv.
	signingKey := os.Getenv("JWT_SIGNING_KEY") // JWT signing key for token validation
	serverURL := os.Getenv("SERVER_URL")       // The URL where the server is running
	dbURI := os.Getenv("MONGODB_URI")          // MongoDB database URI
	dbName := os.Getenv("DB_NAME")             // The name of the MongoDB database
	smtpEmail := os.Getenv("GOOGLE_EMAIL")     // The email address used for sending emails
	smtpPassword := os.Getenv("GOOGLE_PASS")   // The password for the email account
	redisURL := os.Getenv("REDIS_URL")         // The Redis URL for the stats and email caches
	rabbitMQURL := os.Getenv("RABBITMQ_URL")   // The URL for the RabbitMQ message broker
	numEmailProducers := 1                     // The number of email producers
	numEmailConsumers := 2                     // The number of email consumers
	ctx := context.Background()                // Create a new context

	// Initialize the email service with the email and password
	email.InitEmailService(smtpEmail, smtpPassword)

	// Initialize the shared cache using the Redis URL
	sharedCache := queue.InitEmailCache(redisURL)

	// Build the enrollment email queue using the RabbitMQ URL, number of producers and consumers, and the dedup cache
	emailQueue := queue.BuildEmailQueue(rabbitMQURL, numEmailProducers, numEmailConsumers, sharedCache)

	// Start the queue consumers
	_, _, err = emailQueue.StartConsumers(ctx)
	if err != nil {
		log.Fatal("error starting queue consumers: ", err)
	}

	// Initialize persistent storage
	store, err := storage.NewStorage(dbName, dbURI)
	if err != nil {
		log.Fatal("error initializing storage: ", err)
	}

	// Initialize the stats cache
	statsCache, err := cache.NewCache(redisURL)
	if err != nil {
		log.Fatal("error initializing cache: ", err)
	}

	// Build the coaching engine on top of storage, cache and queue
	eng := engine.New(store, statsCache, emailQueue)

	// Start the core server
	go server.Start(serverURL, signingKey, eng)

	// Setting up the signal interrupt handler to gracefully shutdown our server
	sigs := make(chan os.Signal, 1)

	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigs
		fmt.Println()
		fmt.Println(sig)
		store.Disconnect()
		os.Exit(0)
	}()

	select {}
}
