package gateway

import (
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
)

// MidtransAPI is the Snap and Core API surface the adapter calls.
type MidtransAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, error)
	CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, error)
	CancelTransaction(orderID string) error
	RefundTransaction(orderID string, req *coreapi.RefundReq) (*coreapi.RefundResponse, error)
}

// MidtransService wraps the Snap client (hosted payment page) and the Core API client
// (status, cancel, refund). It never writes the midtrans package globals.
type MidtransService struct {
	SnapClient snap.Client
	CoreClient coreapi.Client
}

func NewMidtransService(serverKey string, production bool) *MidtransService {
	env := midtrans.Sandbox
	if production {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(serverKey, env)

	var c coreapi.Client
	c.New(serverKey, env)

	return &MidtransService{
		SnapClient: s,
		CoreClient: c,
	}
}

// CreateTransaction creates a Snap transaction and returns the redirect URL and token
func (s *MidtransService) CreateTransaction(req *snap.Request) (*snap.Response, error) {
	resp, mErr := s.SnapClient.CreateTransaction(req)
	if mErr != nil {
		return nil, mErr
	}
	return resp, nil
}

func (s *MidtransService) CheckTransaction(orderID string) (*coreapi.TransactionStatusResponse, error) {
	resp, mErr := s.CoreClient.CheckTransaction(orderID)
	if mErr != nil {
		return nil, mErr
	}
	return resp, nil
}

func (s *MidtransService) CancelTransaction(orderID string) error {
	if _, mErr := s.CoreClient.CancelTransaction(orderID); mErr != nil {
		return mErr
	}
	return nil
}

func (s *MidtransService) RefundTransaction(orderID string, req *coreapi.RefundReq) (*coreapi.RefundResponse, error) {
	resp, mErr := s.CoreClient.RefundTransaction(orderID, req)
	if mErr != nil {
		return nil, mErr
	}
	return resp, nil
}
