package models

// Role is the caller's role as asserted by the auth collaborator's token.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleAdmin      Role = "admin"
	RoleRestaurant Role = "restaurant"
	// RoleService identifies another service of this platform calling an internal endpoint.
	RoleService Role = "service"
)

// Requester is the authenticated caller of an operation.
// RestaurantID is only set for restaurant staff.
type Requester struct {
	UserID       string
	Role         Role
	RestaurantID string
}

// IsAdmin reports whether the requester is an administrator.
func (r Requester) IsAdmin() bool { return r.Role == RoleAdmin }

// IsService reports whether the requester is a platform service.
func (r Requester) IsService() bool { return r.Role == RoleService }

// Owns reports whether the requester is the customer who placed the order.
func (r Requester) Owns(o *Order) bool {
	return o != nil && r.UserID != "" && r.UserID == o.UserID
}

// StaffOf reports whether the requester works for the given restaurant.
func (r Requester) StaffOf(restaurantID string) bool {
	return r.Role == RoleRestaurant && r.RestaurantID != "" && r.RestaurantID == restaurantID
}
