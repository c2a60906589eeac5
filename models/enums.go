package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

type UserRole string

const (
	UserRoleAdmin  UserRole = "A"
	UserRoleOwner  UserRole = "O"
	UserRoleCustom UserRole = "C"
)

// OrderStatus is the work-order lifecycle status.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusInProgress OrderStatus = "In Progress"
	OrderStatusCompleted  OrderStatus = "Completed"
	OrderStatusCancelled  OrderStatus = "Cancelled"
	OrderStatusArchived   OrderStatus = "Archived"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInProgress, OrderStatusCompleted,
		OrderStatusCancelled, OrderStatusArchived:
		return true
	}
	return false
}

func (s *OrderStatus) Scan(value interface{}) error {
	str, err := scanEnumString(value)
	if err != nil {
		return err
	}
	*s = OrderStatus(str)
	if !s.Valid() {
		return fmt.Errorf("invalid order status %q", str)
	}
	return nil
}

func (s OrderStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid order status %q", string(s))
	}
	return string(s), nil
}

// PaymentStatus is a derived projection of the remote invoice state; after a
// successful sync it must agree with the remote invoice balance.
type PaymentStatus string

const (
	PaymentStatusUnpaid         PaymentStatus = "Unpaid"
	PaymentStatusPendingInvoice PaymentStatus = "Pending Invoice"
	PaymentStatusPaid           PaymentStatus = "Paid"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusUnpaid, PaymentStatusPendingInvoice, PaymentStatusPaid:
		return true
	}
	return false
}

func (s *PaymentStatus) Scan(value interface{}) error {
	str, err := scanEnumString(value)
	if err != nil {
		return err
	}
	*s = PaymentStatus(str)
	if !s.Valid() {
		return fmt.Errorf("invalid payment status %q", str)
	}
	return nil
}

func (s PaymentStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid payment status %q", string(s))
	}
	return string(s), nil
}

// ServiceItemType distinguishes labour services from billable parts.
type ServiceItemType string

const (
	ServiceItemTypeService ServiceItemType = "Service"
	ServiceItemTypePart    ServiceItemType = "Part"
)

func scanEnumString(value interface{}) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", errors.New("enum value must be a string")
	}
}
