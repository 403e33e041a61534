package database

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		email         VARCHAR(191) NOT NULL,
		password_hash VARCHAR(255) NOT NULL,
		role          ENUM('CUSTOMER','ADMIN') NOT NULL DEFAULT 'CUSTOMER',
		is_active     TINYINT(1) NOT NULL DEFAULT 1,
		created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY uq_users_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		user_id    BIGINT UNSIGNED NOT NULL,
		token_hash CHAR(64) NOT NULL,
		expires_at DATETIME NOT NULL,
		revoked_at DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE KEY uq_refresh_hash (token_hash),
		KEY ix_refresh_user (user_id),
		CONSTRAINT fk_refresh_user FOREIGN KEY (user_id) REFERENCES users (id) ON DELETE CASCADE
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS entitlements (
		customer_id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		balance     INT NOT NULL,
		expiry      DATETIME(6) NOT NULL,
		created_at  DATETIME(6) NOT NULL,
		updated_at  DATETIME(6) NOT NULL,
		CONSTRAINT ck_entitlement_balance CHECK (balance >= 0)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS bookings (
		id                BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		customer_id       BIGINT UNSIGNED NOT NULL,
		cylinder_count    TINYINT UNSIGNED NOT NULL,
		delivery_address  VARCHAR(500) NOT NULL,
		delivery_date     DATE NOT NULL,
		booking_status    ENUM('PENDING','APPROVED','REJECTED','DELIVERED') NOT NULL,
		payment_method    ENUM('GATEWAY','COD','QR') NOT NULL,
		payment_status    ENUM('PENDING','SUCCESS','FAILED') NOT NULL,
		payment_reference VARCHAR(191) NULL,
		screenshot_ref    VARCHAR(500) NULL,
		order_ref         CHAR(36) NOT NULL,
		deducted          TINYINT(1) NOT NULL DEFAULT 0,
		payment_attempt   INT NOT NULL DEFAULT 0,
		created_at        DATETIME(6) NOT NULL,
		updated_at        DATETIME(6) NOT NULL,
		UNIQUE KEY uq_bookings_order_ref (order_ref),
		KEY ix_bookings_customer (customer_id, payment_status),
		KEY ix_bookings_status (booking_status),
		CONSTRAINT fk_bookings_entitlement FOREIGN KEY (customer_id) REFERENCES entitlements (customer_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS activity_logs (
		id          BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		occurred_at DATETIME(6) NOT NULL,
		actor_id    BIGINT UNSIGNED NOT NULL,
		actor_role  VARCHAR(16) NOT NULL,
		action      VARCHAR(64) NOT NULL,
		entity_type VARCHAR(16) NOT NULL,
		entity_id   BIGINT UNSIGNED NOT NULL,
		metadata    JSON NOT NULL,
		KEY ix_logs_entity (entity_type, entity_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,

	`CREATE TABLE IF NOT EXISTS reconciliations (
		idempotency_key VARCHAR(255) NOT NULL PRIMARY KEY,
		booking_id      BIGINT UNSIGNED NOT NULL,
		outcome         VARCHAR(32) NOT NULL,
		created_at      DATETIME(6) NOT NULL,
		KEY ix_recon_booking (booking_id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

// Migrate creates the tables the service needs when they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
