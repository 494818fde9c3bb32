package main

import (
	"stockflow/internal/handlers"

	"github.com/aws/aws-lambda-go/lambda"
)

func main() {
	lambda.Start(handlers.EbayHandler)
}
