package emulator

import (
	"github.com/rs/zerolog"
	"github.com/simonvetter/modbus"
)

// handler answers Modbus requests for a single unit id from the store.
type handler struct {
	unitID uint8
	store  *Store
	logger zerolog.Logger
}

func newHandler(unitID uint8, store *Store, logger zerolog.Logger) *handler {
	return &handler{unitID: unitID, store: store, logger: logger}
}

func (h *handler) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	if req.UnitId != h.unitID {
		return nil, modbus.ErrGWTargetFailedToRespond
	}
	return nil, modbus.ErrIllegalFunction
}

func (h *handler) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	if req.UnitId != h.unitID {
		return nil, modbus.ErrGWTargetFailedToRespond
	}
	return nil, modbus.ErrIllegalFunction
}

func (h *handler) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	if req.UnitId != h.unitID {
		return nil, modbus.ErrGWTargetFailedToRespond
	}

	if req.IsWrite {
		if err := h.store.WriteHolding(req.Addr, req.Args); err != nil {
			h.logger.Warn().
				Str("client", req.ClientAddr).
				Uint16("address", req.Addr).
				Uint16("quantity", req.Quantity).
				Msg("Rejected holding register write")
			return nil, err
		}
		h.logger.Info().
			Str("client", req.ClientAddr).
			Uint16("address", req.Addr).
			Interface("values", req.Args).
			Msg("Holding registers written")
		return req.Args, nil
	}

	res, err := h.store.ReadHolding(req.Addr, req.Quantity)
	if err != nil {
		h.logger.Debug().Uint16("address", req.Addr).Uint16("quantity", req.Quantity).Msg("Illegal holding read")
	}
	return res, err
}

func (h *handler) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	if req.UnitId != h.unitID {
		return nil, modbus.ErrGWTargetFailedToRespond
	}

	res, err := h.store.ReadInput(req.Addr, req.Quantity)
	if err != nil {
		h.logger.Debug().Uint16("address", req.Addr).Uint16("quantity", req.Quantity).Msg("Illegal input read")
	}
	return res, err
}
