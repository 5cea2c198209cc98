package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartMosquitto starts an Eclipse Mosquitto broker that accepts anonymous clients and returns its tcp:// URL.
func StartMosquitto(ctx context.Context, containerName string) (testcontainers.Container, string, error) {
	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{"1883/tcp"},
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor:   wait.ForListeningPort("1883/tcp"),
		Name:         containerName,
	}, "1883")
	if err != nil {
		return nil, "", err
	}
	return container, fmt.Sprintf("tcp://%s:%s", host, port), nil
}

// StartNATS starts a NATS server and returns its nats:// URL.
func StartNATS(ctx context.Context, containerName string) (testcontainers.Container, string, error) {
	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
		Name: containerName,
	}, "4222")
	if err != nil {
		return nil, "", err
	}
	return container, fmt.Sprintf("nats://%s:%s", host, port), nil
}

// StartMongo starts a MongoDB server and returns its mongodb:// URI.
func StartMongo(ctx context.Context, containerName string) (testcontainers.Container, string, error) {
	container, host, port, err := start(ctx, testcontainers.ContainerRequest{
		Image:        "mongo:7",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("Waiting for connections"),
		),
		Name: containerName,
	}, "27017")
	if err != nil {
		return nil, "", err
	}
	return container, fmt.Sprintf("mongodb://%s:%s", host, port), nil
}
