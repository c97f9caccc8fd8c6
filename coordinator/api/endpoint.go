package api

import (
	"context"
	"errors"

	"github.com/absmach/fedsync/coordinator"
	pkgerrors "github.com/absmach/fedsync/pkg/errors"
	apiutil "github.com/absmach/supermq/api/http/util"
	"github.com/go-kit/kit/endpoint"
)

func registerEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(registerReq)
		if !ok {
			return registerRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return registerRes{}, errors.Join(apiutil.ErrValidation, err)
		}

		client, err := svc.Register(ctx, req.ClientID, req.Metadata)
		if err != nil {
			return registerRes{}, err
		}

		return registerRes{Client: client}, nil
	}
}

func getParametersEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		params, err := svc.GetParameters(ctx)
		if err != nil {
			return parametersRes{}, err
		}

		return parametersRes{Parameters: params}, nil
	}
}

func submitUpdateEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(updateReq)
		if !ok {
			return submitRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return submitRes{}, errors.Join(apiutil.ErrValidation, err)
		}

		res, err := svc.SubmitUpdate(ctx, req.update())
		if err != nil {
			return submitRes{}, err
		}

		return submitRes{SubmitResult: res}, nil
	}
}

func getStatusEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		st, err := svc.GetStatus(ctx)
		if err != nil {
			return statusRes{}, err
		}

		return statusRes{Status: st}, nil
	}
}

func startRoundEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		st, err := svc.StartRound(ctx)
		if err != nil {
			return statusRes{}, err
		}

		return statusRes{Status: st}, nil
	}
}

func listRoundsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(listRoundsReq)
		if !ok {
			return listRoundsRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}
		if err := req.validate(); err != nil {
			return listRoundsRes{}, errors.Join(apiutil.ErrValidation, err)
		}

		page, err := svc.History(ctx, req.offset, req.limit)
		if err != nil {
			return listRoundsRes{}, err
		}

		return listRoundsRes{RoundPage: page}, nil
	}
}

func getRoundEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		req, ok := request.(roundReq)
		if !ok {
			return roundRes{}, errors.Join(apiutil.ErrValidation, pkgerrors.ErrInvalidData)
		}

		rec, err := svc.Round(ctx, req.round)
		if err != nil {
			return roundRes{}, err
		}

		return roundRes{RoundRecord: rec}, nil
	}
}

func listClientsEndpoint(svc coordinator.Service) endpoint.Endpoint {
	return func(ctx context.Context, _ any) (any, error) {
		clients, err := svc.ListClients(ctx)
		if err != nil {
			return listClientsRes{}, err
		}

		return listClientsRes{Total: uint64(len(clients)), Clients: clients}, nil
	}
}
