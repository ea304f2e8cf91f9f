package toolsurface

import "context"

func registerSendOps(sf *Surface) {
	Register(sf, "send", opSend)
}

func opSend(ctx context.Context, sf *Surface, req SendRequest) (SendResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return SendResponse{}, err
	}
	ok, used, err := s.Send(ctx, req.Data, req.Target)
	if err != nil {
		return SendResponse{}, err
	}
	return SendResponse{OK: ok, UsedTarget: used}, nil
}
