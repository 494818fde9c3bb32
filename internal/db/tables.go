package db

import "os"

func ConnectionsTableName() string {
	return os.Getenv("CONNECTIONS_TABLE")
}

func OrdersTableName() string {
	return os.Getenv("ORDERS_TABLE")
}

func WebhookEventsTableName() string {
	return os.Getenv("WEBHOOK_EVENTS_TABLE")
}

func OAuthStateTableName() string {
	return os.Getenv("OAUTH_STATE_TABLE")
}

func ShopToUserTableName() string {
	return os.Getenv("SHOP_TO_USER_TABLE")
}

func UsersTableName() string {
	return os.Getenv("USERS_TABLE")
}
